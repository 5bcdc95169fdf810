// Package signature проверяет подписи вебхуков платёжного провайдера.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidHeader возвращается при неразборчивом заголовке подписи.
var (
	ErrInvalidHeader = errors.New("invalid signature header")
	// ErrTimestampOutsideTolerance возвращается, когда метка времени подписи
	// выходит за допустимое окно: защита от повтора перехваченных доставок.
	ErrTimestampOutsideTolerance = errors.New("signature timestamp outside tolerance")
	// ErrNoMatchingSignature возвращается, когда ни одна из подписей v1 не совпала.
	ErrNoMatchingSignature = errors.New("no matching signature")
)

// DefaultTolerance — окно приёма метки времени подписи по умолчанию.
const DefaultTolerance = 5 * time.Minute

// Verify проверяет подпись полезной нагрузки в формате провайдера:
// заголовок вида "t=<unix>,v1=<hex>", где v1 — HMAC-SHA256 от строки
// "<unix>.<payload>" на общем секрете. Допускается несколько подписей v1.
func Verify(payload []byte, header string, secret []byte, tolerance time.Duration, now time.Time) error {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		issued := time.Unix(ts, 0)
		if issued.Before(now.Add(-tolerance)) || issued.After(now.Add(tolerance)) {
			return ErrTimestampOutsideTolerance
		}
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(raw, expected) {
			return nil
		}
	}
	return ErrNoMatchingSignature
}

func parseHeader(header string) (int64, []string, error) {
	var (
		ts   int64
		sigs []string
		seen bool
	)

	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidHeader
			}
			ts = parsed
			seen = true
		case "v1":
			sigs = append(sigs, v)
		}
	}

	if !seen || len(sigs) == 0 {
		return 0, nil, ErrInvalidHeader
	}
	return ts, sigs, nil
}
