package offsite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "backup_2025-01-15T02-00-00-000Z.sql.gz"},
		{prefix: "clinic", want: "clinic/backup_2025-01-15T02-00-00-000Z.sql.gz"},
		{prefix: "/clinic/db/", want: "clinic/db/backup_2025-01-15T02-00-00-000Z.sql.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.prefix, "backup_2025-01-15T02-00-00-000Z.sql.gz"))
		})
	}
}
