package service

import (
	"crypto/rand"
	"math/big"
)

// Uppercase letters and digits minus the look-alikes 0/O, 1/I/L
const pickupAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const pickupCodeLength = 6

// NewPickupCode returns a random pickup code. Uniqueness within a cafeteria and
// day is enforced by the store; callers regenerate on collision.
func NewPickupCode() (string, error) {
	max := big.NewInt(int64(len(pickupAlphabet)))
	code := make([]byte, pickupCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = pickupAlphabet[n.Int64()]
	}
	return string(code), nil
}
