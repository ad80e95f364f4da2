package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakSecretScoreThreshold = 3

// IsWeakSecret returns whether a shared secret (admin token or JWT signing
// secret) is considered weak. Empty secret is handled by auth mode
// (disabled), so this function treats it as not weak.
func IsWeakSecret(secret string) bool {
	if secret == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(secret, nil)
	return result.Score < weakSecretScoreThreshold
}
