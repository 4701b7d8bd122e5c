package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"tickstream/internal/errors"
	"tickstream/internal/schema"
)

const (
	_binanceFuturesBaseUrl = "https://fapi.binance.com"
	_binanceExchangeInfo   = "/fapi/v1/exchangeInfo"
	_binanceVenue          = "BINANCE"

	defaultBinanceTimeout = 15 * time.Second
)

type binanceExchangeInfo struct {
	Symbols []binanceSymbol `json:"symbols"`
}

type binanceSymbol struct {
	Symbol            string          `json:"symbol"`
	ContractType      string          `json:"contractType"`
	Status            string          `json:"status"`
	BaseAsset         string          `json:"baseAsset"`
	QuoteAsset        string          `json:"quoteAsset"`
	PricePrecision    int32           `json:"pricePrecision"`
	QuantityPrecision int32           `json:"quantityPrecision"`
	Filters           []binanceFilter `json:"filters"`
}

type binanceFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
}

// Binance resolves USDT-margined futures instruments from the public
// exchangeInfo endpoint. Nothing is cached between calls.
type Binance struct {
	baseURL string
	client  *http.Client
}

func NewBinance(baseURL string, timeout time.Duration) *Binance {
	if baseURL == "" {
		baseURL = _binanceFuturesBaseUrl
	}
	if timeout <= 0 {
		timeout = defaultBinanceTimeout
	}
	return &Binance{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *Binance) ResolveInstrument(ctx context.Context, instrumentID string) (schema.Instrument, error) {
	symbol, contract, venue, err := schema.ParseInstrumentID(instrumentID)
	if err != nil {
		return schema.Instrument{}, err
	}
	if !strings.EqualFold(venue, _binanceVenue) {
		return schema.Instrument{}, &NotFoundError{InstrumentID: instrumentID}
	}

	info, err := b.exchangeInfo(ctx)
	if err != nil {
		return schema.Instrument{}, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol || schema.ParseContractType(s.ContractType) != contract {
			continue
		}
		inst := schema.Instrument{
			ID:             instrumentID,
			Symbol:         s.Symbol,
			Venue:          _binanceVenue,
			Contract:       contract,
			BaseAsset:      s.BaseAsset,
			QuoteAsset:     s.QuoteAsset,
			PricePrecision: s.PricePrecision,
			SizePrecision:  s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = f.TickSize
			case "LOT_SIZE":
				inst.StepSize = f.StepSize
			}
		}
		if err := inst.Validate(); err != nil {
			return schema.Instrument{}, err
		}
		return inst, nil
	}

	return schema.Instrument{}, &NotFoundError{InstrumentID: instrumentID}
}

func (b *Binance) exchangeInfo(ctx context.Context) (binanceExchangeInfo, error) {
	var info binanceExchangeInfo

	u, err := url.Parse(b.baseURL + _binanceExchangeInfo)
	if err != nil {
		return info, errors.Wrap(err, "parse exchange info url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return info, errors.Wrap(err, "new exchange info request")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return info, errors.Wrap(err, "request exchange info")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return info, fmt.Errorf("exchange info: unexpected status %d", resp.StatusCode)
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, errors.Wrap(err, "decode exchange info")
	}
	return info, nil
}
