package gasopt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dexsniper/execution-node/txn"
)

var (
	ErrOracleStatus   = errors.New("fee oracle returned non-200 status")
	ErrOracleResponse = errors.New("unrecognized fee oracle response")

	maxOracleResponseSize int64 = 1 << 20
)

// Oracle is an external fee source. Implementations must honour ctx cancellation.
type Oracle interface {
	Name() string
	FetchTiers(ctx context.Context) (Tiers, error)
}

// HTTPOracle polls a JSON gas tracker. Both the etherscan gastracker shape
// ({"result":{"SafeGasPrice":"20","ProposeGasPrice":"25","FastGasPrice":"35"}}) and the flat gas station
// shape ({"safeLow":20,"standard":25,"fast":35,"instant":50}) are understood, values in gwei.
type HTTPOracle struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPOracle(name, url string, client *http.Client) *HTTPOracle {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOracle{name: name, url: url, client: client}
}

// ParseOracles parses a comma separated list of `name=url` or plain url entries.
func ParseOracles(str string, client *http.Client) []Oracle {
	var res []Oracle
	for i, entry := range strings.Split(str, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name := fmt.Sprintf("oracle-%d", i)
		url := entry
		if parts := strings.SplitN(entry, "=", 2); len(parts) == 2 && !strings.Contains(parts[0], "/") {
			name, url = parts[0], parts[1]
		}
		res = append(res, NewHTTPOracle(name, url, client))
	}
	return res
}

func (o *HTTPOracle) Name() string {
	return o.name
}

type gweiValue float64

func (g *gweiValue) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*g = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*g = gweiValue(v)
	return nil
}

type oracleResponse struct {
	Result *struct {
		SafeGasPrice    gweiValue `json:"SafeGasPrice"`
		ProposeGasPrice gweiValue `json:"ProposeGasPrice"`
		FastGasPrice    gweiValue `json:"FastGasPrice"`
	} `json:"result"`
	SafeLow  gweiValue `json:"safeLow"`
	Standard gweiValue `json:"standard"`
	Fast     gweiValue `json:"fast"`
	Instant  gweiValue `json:"instant"`
}

func (o *HTTPOracle) FetchTiers(ctx context.Context) (Tiers, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return Tiers{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return Tiers{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tiers{}, fmt.Errorf("%w: %d", ErrOracleStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOracleResponseSize))
	if err != nil {
		return Tiers{}, err
	}
	return parseOracleResponse(body)
}

func parseOracleResponse(body []byte) (Tiers, error) {
	var r oracleResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Tiers{}, errors.Join(ErrOracleResponse, err)
	}

	var safeLow, standard, fast, instant float64
	if r.Result != nil && r.Result.ProposeGasPrice > 0 {
		safeLow = float64(r.Result.SafeGasPrice)
		standard = float64(r.Result.ProposeGasPrice)
		fast = float64(r.Result.FastGasPrice)
		// the gastracker has no instant tier
		instant = fast * 1.25
	} else {
		safeLow, standard, fast, instant = float64(r.SafeLow), float64(r.Standard), float64(r.Fast), float64(r.Instant)
		if instant == 0 {
			instant = fast * 1.25
		}
	}
	if safeLow <= 0 || standard <= 0 || fast <= 0 {
		return Tiers{}, ErrOracleResponse
	}
	return Tiers{txn.Gwei(safeLow), txn.Gwei(standard), txn.Gwei(fast), txn.Gwei(instant)}, nil
}

// medianTiers combines samples per tier. An even number of samples averages the two middle values.
func medianTiers(samples []Tiers) Tiers {
	var res Tiers
	for tier := range res {
		values := make([]*big.Int, 0, len(samples))
		for _, s := range samples {
			if s[tier] != nil {
				values = append(values, s[tier])
			}
		}
		if len(values) == 0 {
			continue
		}
		sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })
		mid := len(values) / 2
		if len(values)%2 == 1 {
			res[tier] = new(big.Int).Set(values[mid])
		} else {
			sum := new(big.Int).Add(values[mid-1], values[mid])
			res[tier] = sum.Div(sum, big.NewInt(2))
		}
	}
	// keep tiers ordered even when sources disagree
	for tier := 1; tier < len(res); tier++ {
		if res[tier] != nil && res[tier-1] != nil && res[tier].Cmp(res[tier-1]) < 0 {
			res[tier] = new(big.Int).Set(res[tier-1])
		}
	}
	return res
}
