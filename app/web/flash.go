package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
)

const (
	flashCookieName  = "contacts-flash"
	flashMaxMessages = 10
	flashMaxValueLen = 3800 // browsers drop cookies above 4KB including name and attributes
)

// flashJar keeps transient user messages between requests in a signed cookie
type flashJar struct {
	secret []byte
	path   string
}

// add appends a message to the flashes pending in the request and sets the updated cookie.
// Oldest messages are dropped to keep the cookie within size limits.
func (f flashJar) add(w http.ResponseWriter, r *http.Request, msg string) {
	msgs := append(f.read(r), msg)
	if len(msgs) > flashMaxMessages {
		msgs = msgs[len(msgs)-flashMaxMessages:]
	}

	value, err := f.fit(msgs)
	if err != nil {
		log.Printf("[WARN] failed to encode flash message: %v", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    value,
		Path:     f.path,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	})
}

// pop returns pending flash messages and clears the cookie
func (f flashJar) pop(w http.ResponseWriter, r *http.Request) []string {
	if _, err := r.Cookie(flashCookieName); err != nil {
		return nil
	}

	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    "",
		Path:     f.path,
		MaxAge:   -1, // delete cookie
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return f.read(r)
}

// read returns flash messages from the request cookie, invalid or tampered cookie yields nothing
func (f flashJar) read(r *http.Request) []string {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	msgs, err := f.decode(cookie.Value)
	if err != nil {
		log.Printf("[WARN] invalid flash cookie: %v", err)
		return nil
	}
	return msgs
}

// fit encodes messages, dropping the oldest ones and then shortening the last one until the value fits
func (f flashJar) fit(msgs []string) (string, error) {
	for {
		value, err := f.encode(msgs)
		if err != nil {
			return "", err
		}
		if len(value) <= flashMaxValueLen {
			return value, nil
		}
		if len(msgs) > 1 {
			msgs = msgs[1:]
			continue
		}
		last := []rune(msgs[0])
		if len(last) == 0 {
			return "", fmt.Errorf("empty flash message exceeds %d bytes", flashMaxValueLen)
		}
		msgs = []string{string(last[:len(last)/2]) + "..."}
	}
}

func (f flashJar) encode(msgs []string) (string, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal flash messages: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(data)
	return payload + "." + base64.RawURLEncoding.EncodeToString(f.sign(payload)), nil
}

func (f flashJar) decode(value string) ([]string, error) {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok {
		return nil, fmt.Errorf("malformed value")
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	if !hmac.Equal(gotSig, f.sign(payload)) {
		return nil, fmt.Errorf("signature mismatch")
	}
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	var msgs []string
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flash messages: %w", err)
	}
	return msgs, nil
}

func (f flashJar) sign(payload string) []byte {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
