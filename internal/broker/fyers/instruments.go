package fyers

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

// Capital-market instrument master files, one per exchange segment. The
// files are public CSV dumps refreshed daily by the broker.
var masterFiles = map[string]string{
	"NSE": "/sym_details/NSE_CM.csv",
	"BSE": "/sym_details/BSE_CM.csv",
}

// Columns in the symbol master CSV.
const (
	colToken      = 0
	colName       = 1
	colInstrument = 2
	colLotSize    = 3
	colTickSize   = 4
	colSymbol     = 9
)

// FetchInstruments downloads and parses the instrument master for every
// supported exchange segment.
func (c *Client) FetchInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	for exchange, path := range masterFiles {
		rows, err := c.fetchMaster(ctx, exchange, path)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (c *Client) fetchMaster(ctx context.Context, exchange, path string) ([]domain.Instrument, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.cfg.DataURL + path)
	if err != nil {
		return nil, fmt.Errorf("fetch %s master: %w", exchange, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch %s master: status %d", exchange, resp.StatusCode())
	}

	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1

	var out []domain.Instrument
	now := time.Now()
	skipped := 0
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		inst, ok := parseMasterRow(record, exchange, now)
		if !ok {
			skipped++
			continue
		}
		out = append(out, inst)
	}

	c.logger.Info().
		Str("exchange", exchange).
		Int("parsed", len(out)).
		Int("skipped", skipped).
		Msg("instrument master fetched")
	return out, nil
}

func parseMasterRow(record []string, exchange string, now time.Time) (domain.Instrument, bool) {
	if len(record) <= colSymbol {
		return domain.Instrument{}, false
	}

	lotSize, err := strconv.ParseInt(strings.TrimSpace(record[colLotSize]), 10, 64)
	if err != nil || lotSize <= 0 {
		return domain.Instrument{}, false
	}
	tickSize, err := decimal.NewFromString(strings.TrimSpace(record[colTickSize]))
	if err != nil || tickSize.IsNegative() || tickSize.IsZero() {
		return domain.Instrument{}, false
	}

	// Symbol column is "EXCHANGE:TRADINGSYMBOL-SERIES".
	symbol := strings.TrimSpace(record[colSymbol])
	if idx := strings.Index(symbol, ":"); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	if symbol == "" {
		return domain.Instrument{}, false
	}

	return domain.Instrument{
		BrokerCode:     BrokerCode,
		Exchange:       exchange,
		TradingSymbol:  symbol,
		Name:           strings.TrimSpace(record[colName]),
		InstrumentType: strings.TrimSpace(record[colInstrument]),
		Token:          strings.TrimSpace(record[colToken]),
		LotSize:        lotSize,
		TickSize:       tickSize,
		UpdatedAt:      now,
	}, true
}
