package util

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// idLen gives 62^12 (~3*10^21) possible ids, short enough for a share URL.
const idLen = 12

const idMaxRetries = 5

// GenID draws a random base62 secret id, retrying on the unlikely collision.
// The exists check goes to the store, not the cache, so a freshly deleted id
// cannot be reissued while its row is still present.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < idMaxRetries; retry++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.Errorf("id collision after %d retries", idMaxRetries)
}

func randomID() (string, error) {
	buf := make([]byte, idLen)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	out := make([]byte, idLen)
	for i, b := range buf {
		// 62 does not divide 256; the small modulo bias is acceptable here.
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
