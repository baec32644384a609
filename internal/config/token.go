package config

import (
	"strings"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
)

const weakTokenScoreThreshold = 3

// IsWeakToken reports whether token scores below 3 on zxcvbn. userInputs
// are site-specific words (instance ids, hostnames) that make a token
// easier to guess. An empty token disables auth and is not considered weak.
func IsWeakToken(token string, userInputs ...string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, userInputs).Score < weakTokenScoreThreshold
}

// WeakAdminToken checks the admin token against the project name and the
// configured registry instances.
func (c *Config) WeakAdminToken() bool {
	inputs := []string{"ballast", "admin"}
	for _, inst := range c.Registry.Instances {
		inputs = append(inputs, strings.ToLower(inst.ID), strings.ToLower(inst.Name))
	}
	return IsWeakToken(c.API.AdminToken, inputs...)
}
