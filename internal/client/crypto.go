// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package client

import (
	"context"

	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/matrix"
)

// DisabledCrypto is the shipped Crypto implementation: end-to-end
// encryption is represented as a feature flag only, so every operation is
// a no-op and encrypted events are dropped by the dispatcher.
type DisabledCrypto struct{}

func (DisabledCrypto) Start(context.Context, string) error { return nil }

func (DisabledCrypto) Stop(context.Context) error { return nil }

// Decryptor returns nil: the dispatcher logs and drops encrypted events.
func (DisabledCrypto) Decryptor() matrix.Decryptor { return nil }

// ErrCryptoUnavailable is returned when configuration asks for encryption.
var ErrCryptoUnavailable = oops.Code("CRYPTO_UNAVAILABLE").
	New("end-to-end encryption support is not compiled into this build")
