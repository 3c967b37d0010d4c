package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

func TestParseRoutes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		routes  []*model.Route
		err     bool
	}{
		{
			"minimal_with_short_name",
			`
route_id,route_short_name,route_type
1,1,3`,
			[]*model.Route{{ID: "1", ShortName: "1"}},
			false,
		},

		{
			"minimal_with_long_name",
			`
route_id,route_long_name,route_type
1,One,3`,
			[]*model.Route{{ID: "1", LongName: "One"}},
			false,
		},

		{
			"multiple",
			`
route_id,route_short_name,route_long_name
099,99,UBC / Commercial-Broadway
010,10,Hastings / Downtown`,
			[]*model.Route{
				{ID: "010", ShortName: "10", LongName: "Hastings / Downtown"},
				{ID: "099", ShortName: "99", LongName: "UBC / Commercial-Broadway"},
			},
			false,
		},

		{
			"missing_route_id",
			`
route_id,route_short_name
,1`,
			nil,
			true,
		},

		{
			"repeated_route_id",
			`
route_id,route_short_name
1,1
1,2`,
			nil,
			true,
		},

		{
			"missing_both_names",
			`
route_id,route_short_name,route_long_name
1,,`,
			nil,
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter()
			require.NoError(t, err)

			routeIDs, err := ParseRoutes(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, writer.Close())
			assert.Equal(t, len(tc.routes), len(routeIDs))

			reader, err := s.GetReader()
			require.NoError(t, err)
			routes, err := reader.Routes()
			require.NoError(t, err)
			assert.Equal(t, tc.routes, routes)
		})
	}
}
