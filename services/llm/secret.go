// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// sealedSecret keeps a hosted provider's API key out of the Go heap
// (and so out of core dumps and swap) between requests.
type sealedSecret struct {
	enclave *memguard.Enclave
}

// sealSecret loads an env var (falling back to a mounted secrets file,
// matching the Podman/Kubernetes secrets-volume convention the hosted
// provider clients were already written against) and seals it.
func sealSecret(envVar, secretFile string) (*sealedSecret, error) {
	value := os.Getenv(envVar)
	if value == "" && secretFile != "" {
		if content, err := os.ReadFile(secretFile); err == nil {
			value = strings.TrimSpace(string(content))
		}
	}
	if value == "" {
		return nil, fmt.Errorf("%s is missing", envVar)
	}
	return &sealedSecret{enclave: memguard.NewEnclave([]byte(value))}, nil
}

// open decrypts the secret into a short-lived locked buffer. Callers
// must call Destroy on the returned buffer as soon as the value has
// been copied into the outgoing request.
func (s *sealedSecret) open() (*memguard.LockedBuffer, error) {
	return s.enclave.Open()
}

// reveal opens the enclave, copies the plaintext out as a string, and
// wipes the locked buffer immediately. The returned string is an
// ordinary Go string (not mlocked) since it's about to be handed to
// net/http as a header value; sealing only protects the secret at rest
// between requests.
func (s *sealedSecret) reveal() (string, error) {
	buf, err := s.open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

func osEnv(key string) string { return os.Getenv(key) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
