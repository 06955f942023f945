// SPDX-License-Identifier: MIT

package model

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrParseMessage   = errors.New("parse message")
)

func ParseMessage(message []byte) (e nostr.Envelope, err error) {
	firstComma := bytes.IndexByte(message, ',')
	if firstComma == -1 {
		return nil, ErrUnknownMessage
	}
	label := message[:firstComma]

	var v nostr.Envelope
	switch {
	case bytes.Contains(label, []byte(EnvelopeTypeEvent)):
		v = &EventEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeReq)):
		v = &ReqEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeCount)):
		v = &CountEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeNegOpen)):
		v = &NegOpenEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeNegClose)):
		v = &NegCloseEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeNegMsg)):
		v = &NegMsgEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeNegErr)):
		v = &NegErrEnvelope{}
	default:
		// Passthrough to the stock envelopes (CLOSE, AUTH, ...).
		if v = nostr.ParseMessage(message); v == nil {
			return nil, ErrUnknownMessage
		}

		return v, nil
	}

	if err = v.UnmarshalJSON(message); err != nil {
		return nil, errors.Wrapf(ErrParseMessage, "%v: %v", v.Label(), err)
	}

	return v, nil
}
