// Package trust はゲートウェイと内部サービス間の信頼を確立するHMAC署名を提供する。
//
// 署名対象は「timestamp "." method "." path "." body」を連結した文字列であり、
// ゲートウェイと内部サービスだけが共有する秘密鍵でHMAC-SHA256を計算する。
// 受信側はタイムスタンプが有効期間内であることを確認し、リプレイの余地を限定する。
// bodyは転送するバイト列そのものを署名しなければならない。再シリアライズすると
// キー順序などが変わり検証に失敗する。
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// 内部サービスへ付与する信頼ヘッダー。
const (
	// HeaderRequestID はゲートウェイが採番したリクエストIDを伝播するヘッダー。
	HeaderRequestID = "X-Gateway-Request-ID"
	// HeaderTimestamp は署名時刻（Unix秒）を伝播するヘッダー。
	HeaderTimestamp = "X-Gateway-Timestamp"
	// HeaderSignature は16進表記の署名を伝播するヘッダー。
	HeaderSignature = "X-Gateway-Signature"
)

// DefaultWindow は署名の既定の有効期間。
const DefaultWindow = 60 * time.Second

var (
	// ErrMissingSecret は共有秘密鍵が設定されていないことを表す。起動時の致命的エラー。
	ErrMissingSecret = errors.New("trust: 共有秘密鍵が設定されていません")
	// ErrMissingSignature は署名またはタイムスタンプのヘッダーが欠けていることを表す。
	ErrMissingSignature = errors.New("trust: 署名ヘッダーがありません")
	// ErrMalformedTimestamp はタイムスタンプが整数として解釈できないことを表す。
	ErrMalformedTimestamp = errors.New("trust: タイムスタンプの形式が不正です")
	// ErrStaleSignature はタイムスタンプが有効期間外であることを表す。
	ErrStaleSignature = errors.New("trust: 署名の有効期間外です")
	// ErrInvalidSignature は署名が一致しないことを表す。
	ErrInvalidSignature = errors.New("trust: 署名が一致しません")
)

// Signature は署名時刻と署名値の組。
type Signature struct {
	// Timestamp は署名時刻（Unix秒）。
	Timestamp int64
	// Hex は16進表記のHMAC-SHA256。
	Hex string
}

// Sign は署名対象を組み立ててHMAC-SHA256を計算する。
// 同じ入力からは常に同じ署名が得られる。
func Sign(secret []byte, timestamp int64, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write([]byte(method))
	mac.Write([]byte("."))
	mac.Write([]byte(path))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer は共有秘密鍵を保持し、署名の生成と検証を行う。
type Signer struct {
	// secret は共有秘密鍵。
	secret []byte
	// window は署名の有効期間。
	window time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Option はSignerの設定を変更する。
type Option func(*Signer)

// WithWindow は有効期間を設定する。
func WithWindow(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner は新しいSignerを生成する。
// 秘密鍵が空の場合は部分的な信頼を許さないためErrMissingSecretを返す。
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	s := &Signer{
		secret: []byte(secret),
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Window は署名の有効期間を返す。
func (s *Signer) Window() time.Duration {
	return s.window
}

// Sign は現在時刻で署名する。
func (s *Signer) Sign(method, path string, body []byte) Signature {
	ts := s.now().Unix()
	return Signature{
		Timestamp: ts,
		Hex:       Sign(s.secret, ts, method, path, body),
	}
}

// Attach は署名を計算して信頼ヘッダーをhに設定する。
func (s *Signer) Attach(h http.Header, requestID, method, path string, body []byte) Signature {
	sig := s.Sign(method, path, body)
	h.Set(HeaderRequestID, requestID)
	h.Set(HeaderTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	h.Set(HeaderSignature, sig.Hex)
	return sig
}

// Verify は受信したタイムスタンプと署名を検証する。
// 有効期間の判定は署名の照合より先に行う。
func (s *Signer) Verify(method, path string, body []byte, timestamp, signature string) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMalformedTimestamp
	}

	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.window {
		return ErrStaleSignature
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(s.secret, ts, method, path, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyRequest はリクエストの信頼ヘッダーを検証する。
// bodyは呼び出し側が読み出したリクエストボディのバイト列。
func (s *Signer) VerifyRequest(r *http.Request, body []byte) error {
	return s.Verify(
		r.Method,
		r.URL.RequestURI(),
		body,
		r.Header.Get(HeaderTimestamp),
		r.Header.Get(HeaderSignature),
	)
}
