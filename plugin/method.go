package plugin

import (
	"context"
	"encoding/json"
	"strings"
)

// MethodScreener flags request methods that deserve extra attention.
type MethodScreener struct {
	// Known lists the methods the wallet can execute. Methods outside it are flagged.
	// An empty list disables the check.
	Known []string
}

// Name implements Screener.
func (MethodScreener) Name() string { return "methods" }

// Screen implements Screener.
func (s MethodScreener) Screen(_ context.Context, in ScreenInput) (Verdict, error) {
	var warnings []string
	switch in.Method {
	case "eth_sign":
		warnings = append(warnings, "eth_sign signs an opaque hash; the content cannot be shown")
	case "eth_sendTransaction":
		warnings = append(warnings, "the transaction is broadcast immediately after signing")
		if tx := firstObject(in.Params); tx != nil && !isZeroValue(tx["value"]) {
			warnings = append(warnings, "the transaction transfers value")
		}
	case "eth_signTransaction":
		if tx := firstObject(in.Params); tx != nil {
			if skip, _ := tx["__skip_normalization"].(bool); skip {
				warnings = append(warnings, "the transaction is signed exactly as sent, without fee checks")
			}
		}
	}
	if len(s.Known) > 0 && !contains(s.Known, in.Method) {
		warnings = append(warnings, "unknown method "+in.Method)
	}
	return Verdict{Warnings: warnings}, nil
}

func firstObject(params json.RawMessage) map[string]interface{} {
	var list []map[string]interface{}
	if err := json.Unmarshal(params, &list); err != nil || len(list) == 0 {
		return nil
	}
	return list[0]
}

func isZeroValue(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return true
	case float64:
		return v == 0
	case string:
		return strings.TrimLeft(strings.TrimPrefix(strings.ToLower(v), "0x"), "0") == ""
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
