// Package alert parses and sanitizes incoming webhook payloads into
// validated Alert values. Every string value in the payload, including
// unknown fields, is scanned against a content denylist before anything
// downstream sees it.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	ErrMalformedEncoding ErrorKind = "malformed_encoding"
	ErrMissingField      ErrorKind = "missing_required_field"
	ErrOutOfRange        ErrorKind = "out_of_range"
	ErrForbiddenContent  ErrorKind = "forbidden_content"
)

// ValidationError reports why a payload was rejected. Field is the payload
// key at fault when one can be named.
type ValidationError struct {
	Kind    ErrorKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

const (
	maxSymbolLen   = 16
	maxQuantity    = 9_999
	maxNestedDepth = 3
)

var maxPrice = decimal.NewFromInt(10_000_000)

// Content denylist. SQL keywords match on word boundaries, case-insensitive;
// the rest are literal substrings. A bare "-" or ";" inside a symbol never
// survives the charset check, so the sequences here target whole values.
var (
	sqlKeywordRe = regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|exec|execute|truncate|alter|create)\b`)

	forbiddenSeqs = []string{
		"';", "--", // SQL meta
		";", "|", "`", "$(", "&&", // shell meta
		"../", // path traversal
	}

	// matched against the lowercased value
	forbiddenLowerSeqs = []string{
		"<script", "javascript:", "data:text/html",
	}

	symbolRe = regexp.MustCompile(`^[A-Z0-9._/-]+$`)
)

// knownFields are interpreted by the parser; everything else is preserved
// in Alert.Extra after scanning.
var knownFields = map[string]bool{
	"alert_id": true, "symbol": true, "ticker": true, "action": true,
	"quantity": true, "order_type": true, "price": true, "stop_price": true,
	"strategy_id": true, "account_group": true, "alert_name": true,
	"comment": true, "timestamp": true,
}

// Parse validates raw webhook bytes and returns a normalized Alert.
// The returned error is always a *ValidationError.
func Parse(raw []byte) (*types.Alert, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, &ValidationError{Kind: ErrMalformedEncoding, Message: "body is not a JSON object"}
	}
	if dec.More() {
		return nil, &ValidationError{Kind: ErrMalformedEncoding, Message: "trailing data after JSON object"}
	}

	// Scan everything first so forbidden content is rejected even when it
	// hides in a field the parser would otherwise ignore.
	for key, val := range payload {
		if err := scanValue(key, val, 1); err != nil {
			return nil, err
		}
	}

	a := &types.Alert{Extra: map[string]string{}}

	symbol, err := requireString(payload, "symbol", "ticker")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if len(symbol) == 0 {
		return nil, &ValidationError{Kind: ErrMissingField, Field: "symbol", Message: "symbol is empty"}
	}
	if len(symbol) > maxSymbolLen {
		return nil, &ValidationError{Kind: ErrOutOfRange, Field: "symbol", Message: "symbol exceeds 16 characters"}
	}
	if !symbolRe.MatchString(symbol) {
		return nil, &ValidationError{Kind: ErrForbiddenContent, Field: "symbol", Message: "symbol contains disallowed characters"}
	}
	a.Symbol = symbol

	actionStr, err := requireString(payload, "action")
	if err != nil {
		return nil, err
	}
	switch types.Action(strings.ToLower(strings.TrimSpace(actionStr))) {
	case types.ActionBuy:
		a.Action = types.ActionBuy
	case types.ActionSell:
		a.Action = types.ActionSell
	case types.ActionClose:
		a.Action = types.ActionClose
	default:
		return nil, &ValidationError{Kind: ErrOutOfRange, Field: "action", Message: "action must be buy, sell, or close"}
	}

	qty, err := parseQuantity(payload)
	if err != nil {
		return nil, err
	}
	a.Quantity = qty

	a.OrderType = types.OrderMarket
	if v, ok := payload["order_type"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, &ValidationError{Kind: ErrMalformedEncoding, Field: "order_type", Message: "order_type must be a string"}
		}
		switch t := types.OrderType(strings.ToLower(strings.TrimSpace(s))); t {
		case types.OrderMarket, types.OrderLimit, types.OrderStop, types.OrderStopLimit:
			a.OrderType = t
		default:
			return nil, &ValidationError{Kind: ErrOutOfRange, Field: "order_type", Message: "unknown order type"}
		}
	}

	if a.Price, err = parsePrice(payload, "price"); err != nil {
		return nil, err
	}
	if a.StopPrice, err = parsePrice(payload, "stop_price"); err != nil {
		return nil, err
	}
	if (a.OrderType == types.OrderLimit || a.OrderType == types.OrderStopLimit) && a.Price == nil {
		return nil, &ValidationError{Kind: ErrMissingField, Field: "price", Message: "price required for " + string(a.OrderType) + " orders"}
	}
	if (a.OrderType == types.OrderStop || a.OrderType == types.OrderStopLimit) && a.StopPrice == nil {
		return nil, &ValidationError{Kind: ErrMissingField, Field: "stop_price", Message: "stop_price required for " + string(a.OrderType) + " orders"}
	}

	a.ID = optString(payload, "alert_id")
	a.StrategyID = optString(payload, "strategy_id")
	a.AccountGroup = strings.ToLower(optString(payload, "account_group"))
	a.AlertName = optString(payload, "alert_name")
	a.Comment = optString(payload, "comment")

	a.Timestamp = time.Now().UTC()
	if ts := optString(payload, "timestamp"); ts != "" {
		if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
			a.Timestamp = t.UTC()
		}
	}

	for key, val := range payload {
		if knownFields[key] {
			continue
		}
		a.Extra[key] = flatten(val)
	}

	return a, nil
}

// scanValue applies the denylist to every string reachable from v and
// enforces the nesting depth cap.
func scanValue(field string, v any, depth int) *ValidationError {
	if depth > maxNestedDepth {
		return &ValidationError{Kind: ErrMalformedEncoding, Field: field, Message: "payload nested too deeply"}
	}
	switch val := v.(type) {
	case string:
		return scanString(field, val)
	case map[string]any:
		for k, inner := range val {
			if err := scanString(field, k); err != nil {
				return err
			}
			if err := scanValue(field, inner, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range val {
			if err := scanValue(field, inner, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanString(field, s string) *ValidationError {
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return &ValidationError{Kind: ErrForbiddenContent, Field: field, Message: "control character in value"}
		}
	}
	if sqlKeywordRe.MatchString(s) {
		return &ValidationError{Kind: ErrForbiddenContent, Field: field, Message: "SQL keyword in value"}
	}
	for _, seq := range forbiddenSeqs {
		if strings.Contains(s, seq) {
			return &ValidationError{Kind: ErrForbiddenContent, Field: field, Message: "forbidden sequence in value"}
		}
	}
	lower := strings.ToLower(s)
	for _, seq := range forbiddenLowerSeqs {
		if strings.Contains(lower, seq) {
			return &ValidationError{Kind: ErrForbiddenContent, Field: field, Message: "script injection in value"}
		}
	}
	return nil
}

func requireString(payload map[string]any, names ...string) (string, error) {
	for _, name := range names {
		if v, ok := payload[name]; ok {
			s, ok := v.(string)
			if !ok {
				return "", &ValidationError{Kind: ErrMalformedEncoding, Field: name, Message: name + " must be a string"}
			}
			return s, nil
		}
	}
	return "", &ValidationError{Kind: ErrMissingField, Field: names[0], Message: names[0] + " is required"}
}

func optString(payload map[string]any, name string) string {
	if v, ok := payload[name]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// parseQuantity accepts a JSON number or numeric string. TradingView
// placeholders arrive as strings more often than not.
func parseQuantity(payload map[string]any) (int, error) {
	v, ok := payload["quantity"]
	if !ok {
		return 0, &ValidationError{Kind: ErrMissingField, Field: "quantity", Message: "quantity is required"}
	}

	var qty int64
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, &ValidationError{Kind: ErrOutOfRange, Field: "quantity", Message: "quantity must be an integer"}
		}
		qty = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, &ValidationError{Kind: ErrMalformedEncoding, Field: "quantity", Message: "quantity is not numeric"}
		}
		qty = i
	default:
		return 0, &ValidationError{Kind: ErrMalformedEncoding, Field: "quantity", Message: "quantity must be a number"}
	}

	if qty < 1 || qty > maxQuantity {
		return 0, &ValidationError{Kind: ErrOutOfRange, Field: "quantity", Message: "quantity must be in [1, 9999]"}
	}
	return int(qty), nil
}

func parsePrice(payload map[string]any, name string) (*decimal.Decimal, error) {
	v, ok := payload[name]
	if !ok || v == nil {
		return nil, nil
	}

	var d decimal.Decimal
	switch n := v.(type) {
	case json.Number:
		p, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil, &ValidationError{Kind: ErrMalformedEncoding, Field: name, Message: name + " is not numeric"}
		}
		d = p
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil, nil
		}
		p, err := decimal.NewFromString(s)
		if err != nil {
			return nil, &ValidationError{Kind: ErrMalformedEncoding, Field: name, Message: name + " is not numeric"}
		}
		d = p
	default:
		return nil, &ValidationError{Kind: ErrMalformedEncoding, Field: name, Message: name + " must be a number"}
	}

	if !d.IsPositive() || d.GreaterThan(maxPrice) {
		return nil, &ValidationError{Kind: ErrOutOfRange, Field: name, Message: name + " must be in (0, 10000000]"}
	}
	return &d, nil
}

// flatten renders an unknown field value as a string for Alert.Extra.
func flatten(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
