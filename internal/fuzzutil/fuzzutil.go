// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fuzzutil holds the randomized-round helpers shared by the decoder
// tests. Rounds and seed are taken from FUZZ_ROUNDS and FUZZ_SEED.
package fuzzutil

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// Rounds returns the number of fuzz rounds from FUZZ_ROUNDS, default 1000
func Rounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// Seed returns the seed from FUZZ_SEED, or one derived from the current time
func Seed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// NewRand creates a random source and logs the seed for reproducibility
func NewRand(t testing.TB) *rand.Rand {
	seed := Seed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns n random bytes from rng
func RandomBytes(rng *rand.Rand, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(rng.Intn(256))
	}
	return buf
}
