package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// padBlockSize matches the 32-byte PKCS7 padding WeCom's reference
// implementation uses. Still a multiple of the AES block size, so CBC is
// unaffected.
const padBlockSize = 32

// signature computes msg_signature: SHA1 over the lexically sorted token,
// timestamp, nonce and ciphertext.
func signature(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// msgCrypt implements the WeCom callback AES-256-CBC envelope: the
// plaintext is 16 random bytes, a 4-byte big-endian message length, the
// message, and the receive id.
type msgCrypt struct {
	key       []byte
	receiveID string
}

func newMsgCrypt(encodingAESKey, receiveID string) (*msgCrypt, error) {
	if len(encodingAESKey) != 43 {
		return nil, fmt.Errorf("encoding aes key must be 43 chars, got %d", len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("encoding aes key not base64: %w", err)
	}
	return &msgCrypt{key: key, receiveID: receiveID}, nil
}

func (m *msgCrypt) decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("ciphertext not base64: %w", err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a block multiple", len(raw))
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, m.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Strip(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("plaintext too short")
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(20+msgLen) > len(plain) {
		return nil, fmt.Errorf("declared message length %d exceeds plaintext", msgLen)
	}
	msg := plain[20 : 20+msgLen]

	if gotID := string(plain[20+msgLen:]); m.receiveID != "" && gotID != m.receiveID {
		return nil, fmt.Errorf("receive id mismatch: got %q", gotID)
	}
	return msg, nil
}

func (m *msgCrypt) encrypt(msg []byte) (string, error) {
	buf := make([]byte, 0, 20+len(msg)+len(m.receiveID)+padBlockSize)

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	buf = append(buf, nonce...)

	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(msg)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, msg...)
	buf = append(buf, m.receiveID...)
	buf = pkcs7Pad(buf)

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, m.key[:aes.BlockSize]).CryptBlocks(out, buf)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte) []byte {
	pad := padBlockSize - len(data)%padBlockSize
	padding := make([]byte, pad)
	for i := range padding {
		padding[i] = byte(pad)
	}
	return append(data, padding...)
}

func pkcs7Strip(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > padBlockSize || pad > len(data) {
		return nil, fmt.Errorf("bad pkcs7 padding %d", pad)
	}
	return data[:len(data)-pad], nil
}
