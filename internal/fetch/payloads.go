package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexString decodes a JSON string, number or null into a string. Upstream
// token ids and quantities arrive in either shape.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = FlexString(n.String())
	return nil
}

func (s FlexString) String() string {
	return string(s)
}

// NullFloat is an optional number that also accepts numeric strings
type NullFloat struct {
	Value float64
	Valid bool
}

func (f *NullFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*f = NullFloat{}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", raw, err)
	}
	f.Value, f.Valid = v, true
	return nil
}

// Ptr returns the value or nil when absent
func (f NullFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// NullInt is an optional integer that accepts numbers, numeric strings and booleans
type NullInt struct {
	Value int64
	Valid bool
}

func (i *NullInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*i = NullInt{}
	switch string(data) {
	case "null":
		return nil
	case "true":
		i.Value, i.Valid = 1, true
		return nil
	case "false":
		i.Value, i.Valid = 0, true
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	i.Value, i.Valid = int64(f), true
	return nil
}

// Or returns the value or def when absent
func (i NullInt) Or(def int64) int64 {
	if !i.Valid {
		return def
	}
	return i.Value
}

// OwnedTokenRecord is one proto group from the owned-tokens endpoint
type OwnedTokenRecord struct {
	Proto    FlexString      `json:"proto"`
	IDs      []FlexString    `json:"ids"`
	Count    NullInt         `json:"count"`
	PCount   NullInt         `json:"pCount"`
	Metadata json.RawMessage `json:"metadata"`
}

// QuoteRecord is one entry from the cheapest listings/offers endpoint.
// IsBuy is 0 for asks and 1 for bids.
type QuoteRecord struct {
	MakerAddress     FlexString `json:"makerAddress"`
	CurrencyAddress  FlexString `json:"currency_address"`
	CurrencyQuantity FlexString `json:"currency_quantity"`
	USDPrice         NullFloat  `json:"usd_price"`
	IsBuy            NullInt    `json:"isBuy"`
	TokenID          FlexString `json:"token_id"`
	OrderHash        FlexString `json:"order_hash"`
}

// SaleRecord is one entry from the historical prices endpoint
type SaleRecord struct {
	Currency               FlexString `json:"currency"`
	TakerAssetFilledAmount FlexString `json:"takerAssetFilledAmount"`
	USDPrice               NullFloat  `json:"usd_price"`
	UpdatedAt              FlexString `json:"updated_at"`
	IsBuy                  NullInt    `json:"isBuy"`
}

// NotificationEntry is one entry from the user notification feed.
// Data is itself a JSON document encoded as a string.
type NotificationEntry struct {
	Type      FlexString `json:"type"`
	TokenID   FlexString `json:"token_id"`
	Proto     FlexString `json:"token_proto"`
	Data      FlexString `json:"notification_data"`
	UpdatedAt FlexString `json:"updated_at"`
}

// NotificationData is the decoded payload of a notification
type NotificationData struct {
	Price           FlexString `json:"price"`
	CurrencyAddress FlexString `json:"currency_address"`
	Name            FlexString `json:"name"`
	Img             FlexString `json:"img"`
}

// DecodeData decodes the embedded notification payload. An empty payload
// decodes to the zero value.
func (n NotificationEntry) DecodeData() (NotificationData, error) {
	var d NotificationData
	raw := strings.TrimSpace(n.Data.String())
	if raw == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("error decoding notification data: %w", err)
	}
	return d, nil
}

// AssetRecord is the per-token asset document
type AssetRecord struct {
	Proto   FlexString `json:"proto"`
	Name    FlexString `json:"name"`
	Quality FlexString `json:"quality"`
	User    FlexString `json:"user"`
}

// ActivityRecord is the per-token activity feed
type ActivityRecord struct {
	Result []ActivityEntry `json:"result"`
}

// ActivityEntry is one order event on a token
type ActivityEntry struct {
	OrderID          FlexString `json:"order_id"`
	Type             FlexString `json:"type"`
	Status           FlexString `json:"status"`
	User             FlexString `json:"user"`
	CurrencyAddress  FlexString `json:"currency_address"`
	CurrencyQuantity FlexString `json:"currency_quantity"`
	USDPrice         NullFloat  `json:"usd_price"`
	Timestamp        FlexString `json:"timestamp"`
	Expiration       FlexString `json:"expiration_timestamp"`
}

// IsActiveSell reports whether the entry is an open sell order
func (a ActivityEntry) IsActiveSell() bool {
	return strings.EqualFold(a.Type.String(), "sell") && strings.EqualFold(a.Status.String(), "active")
}
