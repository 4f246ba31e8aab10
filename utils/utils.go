package utils

import (
	"fmt"
	"log"
	"os"
	"strconv"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/exp/constraints"
)

func EnvOrDefault(env, defaultVal string) string {
	if res := os.Getenv(env); res != "" {
		return res
	}
	return defaultVal
}

// MustEnvOrDefaultInt64 will get an env var as an int, exiting if conversion fails
func MustEnvOrDefaultInt64(env string, defaultVal int64) int64 {
	res := os.Getenv(env)
	if res == "" {
		return defaultVal
	}
	intVar, err := strconv.Atoi(res)
	if err != nil {
		log.Fatalf("failed to convert env var %s to an int", env)
	}
	return int64(intVar)
}

// MustEnv will exit if `env` is not provided
func MustEnv(env string) string {
	res := os.Getenv(env)
	if res == "" {
		log.Fatalf("missing environment variable %s", env)
	}
	return res
}

// CreateHostName builds a unique host name from a prefix, for callers that do not
// care to pick their own. Host names must be unique within a consumer group.
func CreateHostName(prefix string) string {
	if prefix == "" {
		prefix = "gohost"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewV4().String())
}

func Ptr[T any](t T) *T {
	return &t
}

func Min[T constraints.Ordered](a, b T) T {
	if a > b {
		return b
	}
	return a
}

func Deref[T any](ref *T, fallback T) T {
	if ref == nil {
		return fallback
	}
	return *ref
}
