package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// HermesOracle reads the latest samples from a Pyth Hermes price service:
//
//	GET {base}/v2/updates/price/latest?ids[]={feed id}&parsed=true
//
// Only hex feed ids can be resolved; symbols yield ErrNoData.
type HermesOracle struct {
	baseURL string
	client  *http.Client
}

// NewHermesOracle creates a client for the Hermes endpoint at baseURL.
func NewHermesOracle(baseURL string, timeout time.Duration) *HermesOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HermesOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (o *HermesOracle) GetPrice(ctx context.Context, assetID string) (Sample, error) {
	if !IsFeedID(assetID) {
		return Sample{}, fmt.Errorf("%w: %s is not a feed id", ErrNoData, assetID)
	}

	q := url.Values{}
	q.Add("ids[]", assetID)
	q.Set("parsed", "true")
	endpoint := o.baseURL + "/v2/updates/price/latest?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Sample{}, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("hermes request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Sample{}, fmt.Errorf("%w: %s", ErrNoData, assetID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Sample{}, fmt.Errorf("hermes status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var hr hermesResponse
	if err := sonnet.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return Sample{}, fmt.Errorf("decode hermes response: %w", err)
	}

	for _, p := range hr.Parsed {
		if strings.TrimPrefix(strings.ToLower(p.ID), "0x") != assetID {
			continue
		}
		price, err := strconv.ParseInt(p.Price.Price, 10, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("hermes price %q: %w", p.Price.Price, err)
		}
		return Sample{
			AssetID:     assetID,
			Price:       price,
			Exponent:    p.Price.Expo,
			PublishTime: time.Unix(p.Price.PublishTime, 0).UTC(),
		}, nil
	}
	return Sample{}, fmt.Errorf("%w: %s", ErrNoData, assetID)
}
