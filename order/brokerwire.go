// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"encoding/json"
	"fmt"
)

// BrokerMessageType discriminates the broker protocol's JSON envelope, the
// same tagged-envelope shape dcrdex's msgjson.Message uses (a route name
// plus a raw payload), generalized here to three message kinds instead of
// a full RPC route table.
type BrokerMessageType string

const (
	MsgOrderBookEntry    BrokerMessageType = "order_book_entry"
	MsgOrderMatch        BrokerMessageType = "order_match"
	MsgExchangeRejection BrokerMessageType = "exchange_rejection"
)

type brokerEnvelope struct {
	Type BrokerMessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

func encodeEnvelope(t BrokerMessageType, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("order: marshal %s: %w", t, err)
	}
	return json.Marshal(brokerEnvelope{Type: t, Data: data})
}

// EncodeOrderBookEntry wraps entry for submission over the relay overlay,
// addressed to dex.BrokerID.
func EncodeOrderBookEntry(entry OrderBookEntry) ([]byte, error) {
	return encodeEnvelope(MsgOrderBookEntry, entry)
}

// EncodeExchangeRejection wraps rejection for submission to the broker.
func EncodeExchangeRejection(rejection ExchangeRejection) ([]byte, error) {
	return encodeEnvelope(MsgExchangeRejection, rejection)
}

// DecodeBrokerEnvelope peels off the type tag so the caller can dispatch
// before decoding the payload proper.
func DecodeBrokerEnvelope(b []byte) (BrokerMessageType, json.RawMessage, error) {
	var env brokerEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", nil, fmt.Errorf("order: decode envelope: %w", err)
	}
	return env.Type, env.Data, nil
}

// DecodeOrderMatch decodes the payload of a MsgOrderMatch envelope.
func DecodeOrderMatch(data json.RawMessage) (OrderMatch, error) {
	var m OrderMatch
	err := json.Unmarshal(data, &m)
	return m, err
}
