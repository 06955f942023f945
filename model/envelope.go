// SPDX-License-Identifier: MIT

package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

type (
	EnvelopeType string

	EventEnvelope struct {
		SubscriptionID *string
		Event          Event
	}

	ReqEnvelope struct {
		SubscriptionID string
		Filters
	}

	CountEnvelope struct {
		SubscriptionID string
		Filters
		Count *int64
	}

	// NegOpenEnvelope starts a negentropy reconciliation session (NIP-77).
	NegOpenEnvelope struct {
		SubscriptionID string
		Filter         Filter
		Message        []byte
	}

	NegMsgEnvelope struct {
		SubscriptionID string
		Message        []byte
	}

	NegErrEnvelope struct {
		SubscriptionID string
		Reason         string
	}

	NegCloseEnvelope struct {
		SubscriptionID string
	}
)

const (
	EnvelopeTypeEvent    EnvelopeType = "EVENT"
	EnvelopeTypeReq      EnvelopeType = "REQ"
	EnvelopeTypeCount    EnvelopeType = "COUNT"
	EnvelopeTypeNotice   EnvelopeType = "NOTICE"
	EnvelopeTypeEOSE     EnvelopeType = "EOSE"
	EnvelopeTypeOK       EnvelopeType = "OK"
	EnvelopeTypeAuth     EnvelopeType = "AUTH"
	EnvelopeTypeClosed   EnvelopeType = "CLOSED"
	EnvelopeTypeClose    EnvelopeType = "CLOSE"
	EnvelopeTypeNegOpen  EnvelopeType = "NEG-OPEN"
	EnvelopeTypeNegMsg   EnvelopeType = "NEG-MSG"
	EnvelopeTypeNegErr   EnvelopeType = "NEG-ERR"
	EnvelopeTypeNegClose EnvelopeType = "NEG-CLOSE"
)

func (*EventEnvelope) Label() string {
	return string(EnvelopeTypeEvent)
}

func (v *EventEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	switch len(arr) {
	case 2: // Client to relay: ["EVENT", <event>].
		return easyjson.Unmarshal([]byte(arr[1].Raw), &v.Event.Event)
	case 3: // Relay to client: ["EVENT", <subscription id>, <event>].
		v.SubscriptionID = &arr[1].Str

		return easyjson.Unmarshal([]byte(arr[2].Raw), &v.Event.Event)
	default:
		return fmt.Errorf("failed to decode EVENT envelope: unexpected element count %d", len(arr))
	}
}

func (v *EventEnvelope) MarshalJSON() ([]byte, error) {
	data := []any{EnvelopeTypeEvent}
	if v.SubscriptionID != nil {
		data = append(data, *v.SubscriptionID)
	}
	data = append(data, &v.Event.Event)

	return json.Marshal(data)
}

func (v *EventEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func (*ReqEnvelope) Label() string {
	return string(EnvelopeTypeReq)
}

func (v *ReqEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode REQ envelope: missing filters")
	}
	v.SubscriptionID = arr[1].Str
	v.Filters = make(Filters, len(arr)-2)
	f := 0
	for i := 2; i < len(arr); i++ {
		if err := easyjson.Unmarshal([]byte(arr[i].Raw), &v.Filters[f]); err != nil {
			return fmt.Errorf("%w -- on filter %d", err, f)
		}
		f++
	}

	return nil
}

func (v *ReqEnvelope) MarshalJSON() ([]byte, error) {
	data := []any{EnvelopeTypeReq, v.SubscriptionID}

	if len(v.Filters) > 0 {
		filterData, err := marshalFilters(v.Filters)
		if err != nil {
			return nil, err
		}
		data = append(data, filterData...)
	}

	return json.Marshal(data)
}

func (v *ReqEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func (*CountEnvelope) Label() string {
	return string(EnvelopeTypeCount)
}

func (v *CountEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode COUNT envelope: missing filters")
	}
	v.SubscriptionID = arr[1].Str

	var countResult struct {
		Count *int64 `json:"count"`
	}
	if err := json.Unmarshal([]byte(arr[2].Raw), &countResult); err == nil && countResult.Count != nil {
		v.Count = countResult.Count

		return nil
	}

	v.Filters = make(Filters, len(arr)-2)
	f := 0
	for i := 2; i < len(arr); i++ {
		if err := easyjson.Unmarshal([]byte(arr[i].Raw), &v.Filters[f]); err != nil {
			return fmt.Errorf("%w -- on filter %d", err, f)
		}
		f++
	}

	return nil
}

func (v *CountEnvelope) MarshalJSON() ([]byte, error) {
	data := []any{EnvelopeTypeCount, v.SubscriptionID}

	if v.Count != nil {
		var count = struct {
			Count int64 `json:"count"`
		}{
			Count: *v.Count,
		}
		data = append(data, &count)
	} else if len(v.Filters) > 0 {
		filterData, err := marshalFilters(v.Filters)
		if err != nil {
			return nil, err
		}
		data = append(data, filterData...)
	}

	return json.Marshal(data)
}

func (v *CountEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func (*NegOpenEnvelope) Label() string {
	return string(EnvelopeTypeNegOpen)
}

func (v *NegOpenEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) != 4 {
		return fmt.Errorf("failed to decode NEG-OPEN envelope: unexpected element count %d", len(arr))
	}
	v.SubscriptionID = arr[1].Str
	if err := easyjson.Unmarshal([]byte(arr[2].Raw), &v.Filter); err != nil {
		return fmt.Errorf("%w -- on NEG-OPEN filter", err)
	}
	msg, err := hex.DecodeString(arr[3].Str)
	if err != nil {
		return fmt.Errorf("failed to decode NEG-OPEN message hex: %w", err)
	}
	v.Message = msg

	return nil
}

func (v *NegOpenEnvelope) MarshalJSON() ([]byte, error) {
	filterData, err := json.Marshal(v.Filter)
	if err != nil {
		return nil, err
	}

	return json.Marshal([]any{EnvelopeTypeNegOpen, v.SubscriptionID, json.RawMessage(filterData), hex.EncodeToString(v.Message)})
}

func (v *NegOpenEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func (*NegMsgEnvelope) Label() string {
	return string(EnvelopeTypeNegMsg)
}

func (v *NegMsgEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) != 3 {
		return fmt.Errorf("failed to decode NEG-MSG envelope: unexpected element count %d", len(arr))
	}
	v.SubscriptionID = arr[1].Str
	msg, err := hex.DecodeString(arr[2].Str)
	if err != nil {
		return fmt.Errorf("failed to decode NEG-MSG message hex: %w", err)
	}
	v.Message = msg

	return nil
}

func (v *NegMsgEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{EnvelopeTypeNegMsg, v.SubscriptionID, hex.EncodeToString(v.Message)})
}

func (v *NegMsgEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func (*NegErrEnvelope) Label() string {
	return string(EnvelopeTypeNegErr)
}

func (v *NegErrEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) != 3 {
		return fmt.Errorf("failed to decode NEG-ERR envelope: unexpected element count %d", len(arr))
	}
	v.SubscriptionID = arr[1].Str
	v.Reason = arr[2].Str

	return nil
}

func (v *NegErrEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{EnvelopeTypeNegErr, v.SubscriptionID, v.Reason})
}

func (v *NegErrEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func (*NegCloseEnvelope) Label() string {
	return string(EnvelopeTypeNegClose)
}

func (v *NegCloseEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) != 2 {
		return fmt.Errorf("failed to decode NEG-CLOSE envelope: unexpected element count %d", len(arr))
	}
	v.SubscriptionID = arr[1].Str

	return nil
}

func (v *NegCloseEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{EnvelopeTypeNegClose, v.SubscriptionID})
}

func (v *NegCloseEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

func marshalFilters(filters Filters) ([]any, error) {
	var messages = make([]any, 0, len(filters))
	for _, filter := range filters {
		filterData, err := json.Marshal(filter)
		if err != nil {
			return nil, err
		}
		messages = append(messages, json.RawMessage(filterData))
	}

	return messages, nil
}
