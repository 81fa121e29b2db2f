package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTelegramSignature = errors.New("telegram init data signature mismatch")
	ErrTelegramExpired   = errors.New("telegram init data expired")
	ErrTelegramMalformed = errors.New("telegram init data malformed")
)

const webAppDataKey = "WebAppData"

// TelegramUser is the identity carried in the WebApp initData "user" field.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// TelegramVerifier checks Mini App initData against the bot token.
type TelegramVerifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTelegramVerifier derives the signing key from botToken. A zero maxAge disables
// the freshness check.
func NewTelegramVerifier(botToken string, maxAge time.Duration) *TelegramVerifier {
	return &TelegramVerifier{
		secret: hmacSHA256([]byte(webAppDataKey), []byte(botToken)),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (v *TelegramVerifier) Verify(initData string) (*TelegramUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTelegramMalformed, err)
	}
	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrTelegramMalformed)
	}

	expected := hex.EncodeToString(hmacSHA256(v.secret, []byte(dataCheckString(values))))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
		return nil, ErrTelegramSignature
	}

	if v.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: auth_date", ErrTelegramMalformed)
		}
		if v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
			return nil, ErrTelegramExpired
		}
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return nil, fmt.Errorf("%w: user", ErrTelegramMalformed)
	}
	return &user, nil
}

// dataCheckString joins every field except hash as sorted key=value lines.
func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	return strings.Join(lines, "\n")
}

func hmacSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}
