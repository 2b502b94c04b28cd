package util

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func JsonWrite(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	Pan1c(json.NewEncoder(w).Encode(v))
}

func Pan1c(err error) {
	if err != nil {
		panic(err)
	}
}

// HashKey returns a bcrypt hash of an API key for the api_key_hash setting.
func HashKey(key string) string {
	x, err := bcrypt.GenerateFromPassword([]byte(key), 12)
	Pan1c(err)
	return string(x)
}

// KeyMatches compares a presented key against a plain key or, when hash is
// set, against its bcrypt hash.
func KeyMatches(presented, plain, hash string) bool {
	if hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(plain)) == 1
}

func GenUUID() string {
	x, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return x.String()
}
