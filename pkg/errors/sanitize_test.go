package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		secrets  []string
		expected string
	}{
		{
			name:     "libpq pair",
			msg:      "cannot parse `host=db user=app password=hunter2`: bad port",
			expected: "cannot parse `host=db user=app password=****`: bad port",
		},
		{
			name:     "quoted pair",
			msg:      "password='a b c' sslmode=disable",
			expected: "password=**** sslmode=disable",
		},
		{
			name:     "url userinfo",
			msg:      "dial postgres://app:hunter2@db:5432/prod failed",
			expected: "dial postgres://app:****@db:5432/prod failed",
		},
		{
			name:     "literal secret",
			msg:      "Access denied for user 'app' using s3cr3t!",
			secrets:  []string{"s3cr3t!"},
			expected: "Access denied for user 'app' using ****",
		},
		{
			name:     "empty secret ignored",
			msg:      "connection refused",
			secrets:  []string{""},
			expected: "connection refused",
		},
		{
			name:     "nothing to redact",
			msg:      `relation "users" does not exist`,
			expected: `relation "users" does not exist`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sanitize(tt.msg, tt.secrets...))
		})
	}
}

func TestFromDriver(t *testing.T) {
	driverErr := fmt.Errorf("failed to connect to `user=app password=hunter2 database=prod`")

	err := FromDriver(driverErr, CodeConnectionFailed, "postgres", "failed to connect", "hunter2")
	assert.Equal(t, CodeConnectionFailed, err.Code)
	assert.Equal(t, "postgres", err.Engine)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.NotErrorIs(t, err, driverErr)

	assert.Nil(t, FromDriver(nil, CodeQueryFailed, "mysql", "x"))
}
