package event

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// ComputeHash returns the hex-encoded HMAC-SHA256 commitment over the
// event's committed fields: payload type, payload data, source, run id,
// boundary, and target. The path is deliberately excluded — it mutates as
// the router appends hops.
//
// The commitment is keyed with the network secret, so a party that cannot
// read the secret cannot forge a valid hash.
func ComputeHash(p *Payload, w *Wrapper, secret string) (string, error) {
	canonical, err := canonicalCommitment(p, w)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHash recomputes the commitment and compares it against ev.Hash in
// constant time.
func VerifyHash(ev *Event, secret string) bool {
	want, err := ComputeHash(&ev.Payload, &ev.Wrapper, secret)
	if err != nil {
		return false
	}
	a, errA := hex.DecodeString(want)
	b, errB := hex.DecodeString(ev.Hash)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(a, b)
}

// canonicalCommitment serializes the committed fields byte-stably: object
// keys sorted lexicographically at every nesting level, numbers preserved
// verbatim via json.Number, no insignificant whitespace. Any conforming
// implementation in another language must produce identical bytes.
func canonicalCommitment(p *Payload, w *Wrapper) ([]byte, error) {
	data, err := canonicalizeRaw(p.Data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload data: %w", err)
	}
	// encoding/json sorts map keys, which gives the outer ordering
	// {boundary, data, runId, source, target, type} for free.
	commit := map[string]interface{}{
		"type":     p.Type,
		"data":     data,
		"source":   w.Source,
		"runId":    w.RunID,
		"boundary": string(w.Boundary),
		"target":   w.Target,
	}
	return json.Marshal(commit)
}

// canonicalizeRaw decodes arbitrary JSON with json.Number so that
// re-marshaling reproduces the author's number spelling, while map-backed
// objects come back with sorted keys.
func canonicalizeRaw(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing garbage after the value is malformed input.
	if err := checkEOF(dec); err != nil {
		return nil, err
	}
	return v, nil
}

func checkEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
