package main

import (
	"testing"

	"checkoutengine/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "739154"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidatePINStrength(t *testing.T) {
	weak := []string{"123456", "987654", "777777", "246810", "12345"}
	for _, pin := range weak {
		if len(pin) >= 6 && validatePINStrength(pin) == nil {
			t.Fatalf("expected %s to be rejected", pin)
		}
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "12345"}); err == nil {
		t.Fatalf("expected short PIN to be rejected")
	}
	if err := validatePINStrength("582039"); err != nil {
		t.Fatalf("expected 582039 to pass, got %v", err)
	}
}
