package ledger

import (
	"encoding/json"
	"testing"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reader = "0x00000000000000000000000000000000000000ee"

func TestDefaultMethodTable(t *testing.T) {
	table, err := LoadMethodTable("", reader)
	require.NoError(t, err)

	req, err := table.Read(ports.ReadListing, "42")
	require.NoError(t, err)
	assert.Equal(t, ports.QueryRequest{
		API:    "marketplace",
		Method: "getListing",
		Args:   map[string]any{"tokenId": "42"},
		From:   reader,
	}, req)

	req, err = table.Read(ports.ReadCredits, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "creditsOf", req.Method)
	assert.Equal(t, map[string]any{"account": "0xabc"}, req.Args)

	_, err = table.Read(ports.ReadOwner)
	assert.Error(t, err, "wrong arity")
}

func TestInvokeArgs(t *testing.T) {
	table, err := LoadMethodTable("", reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		api     string
		method  string
		args    string
		want    map[string]any
		wantErr error
	}{
		{
			name:   "positional",
			api:    "marketplace",
			method: "listToken",
			args:   `["7", 123456789012345678901234567890]`,
			want:   map[string]any{"tokenId": "7", "price": json.Number("123456789012345678901234567890")},
		},
		{
			name:   "named",
			api:    "asset",
			method: "setApprovalForAll",
			args:   `{"operator": "0xabc", "approved": true}`,
			want:   map[string]any{"operator": "0xabc", "approved": true},
		},
		{
			name:   "no args",
			api:    "marketplace",
			method: "withdrawCredits",
			args:   ``,
			want:   map[string]any{},
		},
		{
			name:    "unknown method",
			api:     "marketplace",
			method:  "mintEverything",
			args:    `[]`,
			wantErr: core.ErrUnknownMethod,
		},
		{
			name:    "query methods are not invocable",
			api:     "marketplace",
			method:  "getListing",
			args:    `["1"]`,
			wantErr: core.ErrUnknownMethod,
		},
		{
			name:    "wrong arity",
			api:     "marketplace",
			method:  "buyToken",
			args:    `["1", "2"]`,
			wantErr: core.ErrInvalidRequest,
		},
		{
			name:    "missing named argument",
			api:     "marketplace",
			method:  "listToken",
			args:    `{"tokenId": "1"}`,
			wantErr: core.ErrInvalidRequest,
		},
		{
			name:    "extra named argument",
			api:     "marketplace",
			method:  "buyToken",
			args:    `{"tokenId": "1", "signer": "0xabc"}`,
			wantErr: core.ErrInvalidRequest,
		},
		{
			name:    "scalar",
			api:     "marketplace",
			method:  "buyToken",
			args:    `"1"`,
			wantErr: core.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.InvokeArgs(tt.api, tt.method, json.RawMessage(tt.args))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMethodTableRejectsIncompleteReads(t *testing.T) {
	_, err := ParseMethodTable([]byte(`
apis:
  marketplace:
    query:
      getListing: [tokenId]
reads:
  listing: marketplace.getListing
`), reader)
	assert.ErrorContains(t, err, "no method for read")

	_, err = ParseMethodTable([]byte(`
apis: {}
reads:
  listing: marketplace.getListing
  certified: c.isCertified
  owner: a.ownerOf
  credits: m.creditsOf
`), reader)
	assert.ErrorContains(t, err, "unknown query")

	_, err = ParseMethodTable([]byte("unknown: true\n"), reader)
	assert.Error(t, err)
}
