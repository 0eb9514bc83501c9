// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"testing"

	"analyticsmesh/internal/config"
)

func TestResolveToggle(t *testing.T) {
	cases := []struct {
		positive, negative, want bool
	}{
		{true, false, true},
		{false, false, false},
		{true, true, false},
		{false, true, false},
	}
	for _, c := range cases {
		if got := resolveToggle(c.positive, c.negative); got != c.want {
			t.Fatalf("resolveToggle(%v, %v) = %v, want %v", c.positive, c.negative, got, c.want)
		}
	}
}

func TestBuildConfig_DefaultsClientAddressesWhenClientEnabled(t *testing.T) {
	cfg, err := buildConfig(configInputs{
		enableClient: true,
		durability:   string(config.Volatile),
	})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if len(cfg.ClientAddrs) != len(config.DefaultClientAddresses) {
		t.Fatalf("expected default client addresses to be used, got %v", cfg.ClientAddrs)
	}
}

func TestBuildConfig_ParsesExplicitServerAddress(t *testing.T) {
	cfg, err := buildConfig(configInputs{
		enableServer:  true,
		serverAddress: "127.0.0.1:7000",
		durability:    string(config.Volatile),
	})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.ServerAddr.Host != "127.0.0.1" || cfg.ServerAddr.Port != 7000 {
		t.Fatalf("ServerAddr = %+v, want 127.0.0.1:7000", cfg.ServerAddr)
	}
}

func TestBuildConfig_RejectsUnparsableServerAddress(t *testing.T) {
	_, err := buildConfig(configInputs{
		enableServer:  true,
		serverAddress: "not-an-address",
	})
	if err == nil {
		t.Fatalf("expected an error for an unparsable server address")
	}
}

func TestBuildConfig_AtomicitySetOnlyWhenFlagWasExplicit(t *testing.T) {
	cfg, err := buildConfig(configInputs{durability: string(config.Volatile)})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.Atomicity != nil {
		t.Fatalf("expected Atomicity to be nil (unspecified) when no flag was set")
	}

	cfg2, err := buildConfig(configInputs{
		durability:   string(config.Volatile),
		atomicitySet: true,
		atomicity:    true,
	})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg2.Atomicity == nil || !*cfg2.Atomicity {
		t.Fatalf("expected Atomicity to be explicitly true")
	}
}
