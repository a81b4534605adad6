package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paymongo-bridge/internal/config"
)

func TestLoadRequiresSecretKey(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{"PAYMONGO_SECRET_KEY": ""})
	require.Error(t, err)
	require.Contains(t, err.Error(), "PAYMONGO_SECRET_KEY")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PAYMONGO_SECRET_KEY":             "sk_test_123",
		"PAYMONGO_WEBHOOK_SIGNING_SECRET": "",
		"NEXT_INTERNAL_CONFIRM_URL":       "",
		"ALLOWED_ORIGINS":                 "",
		"PAYMONGO_TIMEOUT":                "",
		"CONFIRM_TIMEOUT":                 "",
		"PORT":                            "",
	})
	require.NoError(t, err)
	require.Equal(t, "sk_test_123", cfg.PaymongoSecretKey)
	require.Equal(t, "http://localhost:3000/api/payments/confirm", cfg.ConfirmURL)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.CORSAllowedOrigins)
	require.Equal(t, 30*time.Second, cfg.PaymongoTimeout)
	require.Equal(t, 20*time.Second, cfg.ConfirmTimeout)
	require.False(t, cfg.VerificationEnabled())
	require.Equal(t, ":8081", cfg.HTTPAddr())
}

func TestLoadOriginsAndSecret(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PAYMONGO_SECRET_KEY":             "sk_test_123",
		"PAYMONGO_WEBHOOK_SIGNING_SECRET": "whsk_abc",
		"ALLOWED_ORIGINS":                 " https://kiosk.example , ,https://admin.example",
	})
	require.NoError(t, err)
	require.True(t, cfg.VerificationEnabled())
	require.Equal(t, []string{"https://kiosk.example", "https://admin.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadRejectsInvalidConfirmURL(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"PAYMONGO_SECRET_KEY":       "sk_test_123",
		"NEXT_INTERNAL_CONFIRM_URL": "ftp://internal/confirm",
	})
	require.Error(t, err)
}
