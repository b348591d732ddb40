// Package token mints the encrypted connection credential handed to the
// remote-desktop gateway. The envelope is base64(JSON{iv, value}) where
// value is AES-256-CBC over the JSON connection document, PKCS#7 padded.
package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/examgate/proctor-control-plane/internal/model"
)

const KeySize = 32

// Options are the product-level connection flags baked into every
// credential.
type Options struct {
	Protocol           string
	Security           string
	IgnoreCert         bool
	DPI                int
	KeyboardLayout     string
	DisableAudio       bool
	DisableGlyphCache  bool
	LightweightDesktop bool
}

func DefaultOptions() Options {
	return Options{
		Protocol:           "rdp",
		Security:           "nla",
		IgnoreCert:         true,
		DPI:                96,
		KeyboardLayout:     "en-us-qwerty",
		LightweightDesktop: true,
	}
}

type Connection struct {
	Type     string            `json:"type"`
	Settings map[string]string `json:"settings"`
}

type document struct {
	Connection Connection `json:"connection"`
}

type envelope struct {
	IV    string `json:"iv"`
	Value string `json:"value"`
}

type Issuer struct {
	block cipher.Block
	opts  Options
	rand  io.Reader
}

func NewIssuer(key []byte, opts Options) (*Issuer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("gateway key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if opts.Protocol == "" {
		opts.Protocol = "rdp"
	}
	return &Issuer{block: block, opts: opts, rand: rand.Reader}, nil
}

// Issue encrypts the connection parameters for m. Every call draws a
// fresh IV, so two credentials for the same machine never match.
func (i *Issuer) Issue(m model.Machine) (string, error) {
	if m.Address == "" || m.Port <= 0 || m.Port > 65535 {
		return "", fmt.Errorf("%w: machine %q has no usable address", model.ErrEncoding, m.ID)
	}
	plain, err := json.Marshal(document{Connection: i.connection(m)})
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrEncoding, err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(i.rand, iv); err != nil {
		return "", fmt.Errorf("%w: iv: %w", model.ErrEncoding, err)
	}
	padded := pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(i.block, iv).CryptBlocks(out, padded)

	env, err := json.Marshal(envelope{
		IV:    base64.StdEncoding.EncodeToString(iv),
		Value: base64.StdEncoding.EncodeToString(out),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrEncoding, err)
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

func (i *Issuer) connection(m model.Machine) Connection {
	s := map[string]string{
		"hostname":          m.Address,
		"port":              strconv.Itoa(m.Port),
		"username":          m.Username,
		"password":          m.Password,
		"ignore-cert":       strconv.FormatBool(i.opts.IgnoreCert),
		"enable-keep-alive": "true",
		"resize-method":     "display-update",
	}
	if i.opts.Security != "" {
		s["security"] = i.opts.Security
	}
	if i.opts.DPI > 0 {
		s["dpi"] = strconv.Itoa(i.opts.DPI)
	}
	if i.opts.KeyboardLayout != "" {
		s["server-layout"] = i.opts.KeyboardLayout
	}
	if i.opts.DisableAudio {
		s["disable-audio"] = "true"
	}
	if i.opts.DisableGlyphCache {
		s["disable-glyph-caching"] = "true"
	}
	if i.opts.LightweightDesktop {
		s["disable-wallpaper"] = "true"
		s["disable-theming"] = "true"
		s["enable-wallpaper"] = "false"
		s["enable-theming"] = "false"
		s["enable-font-smoothing"] = "false"
		s["enable-desktop-composition"] = "false"
	}
	return Connection{Type: i.opts.Protocol, Settings: s}
}

var ErrMalformed = errors.New("malformed credential")

// Decode reverses Issue. The gateway performs the same steps; it lives
// here for the gateway health probe and tests.
func Decode(key []byte, credential string) (Connection, error) {
	if len(key) != KeySize {
		return Connection{}, fmt.Errorf("gateway key must be %d bytes", KeySize)
	}
	raw, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return Connection{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Connection{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return Connection{}, fmt.Errorf("%w: bad iv", ErrMalformed)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Value)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return Connection{}, fmt.Errorf("%w: bad ciphertext", ErrMalformed)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return Connection{}, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = unpad(plain, aes.BlockSize)
	if err != nil {
		return Connection{}, err
	}
	var doc document
	if err := json.Unmarshal(plain, &doc); err != nil {
		return Connection{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return doc.Connection, nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}
