// SPDX-License-Identifier: MPL-2.0

package container

import "testing"

func TestExtractPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		stdout      string
		wantPayload string
		wantDisplay string
	}{
		{
			name:        "trailing json line",
			stdout:      "line1\nline2\n{\"result\":42}\n",
			wantPayload: `{"result":42}`,
			wantDisplay: "line1\nline2\n",
		},
		{
			name:        "malformed trailing line",
			stdout:      "line1\n{not json\n",
			wantDisplay: "line1\n{not json\n",
		},
		{
			name:        "only payload",
			stdout:      "{\"errorMessage\":\"bad\"}\n",
			wantPayload: `{"errorMessage":"bad"}`,
			wantDisplay: "",
		},
		{
			name:        "no trailing newline",
			stdout:      "log\n{\"a\":1}",
			wantDisplay: "log\n{\"a\":1}",
		},
		{
			name:        "empty second to last",
			stdout:      "{\"a\":1}\n\n",
			wantDisplay: "{\"a\":1}\n\n",
		},
		{
			name:        "empty output",
			stdout:      "",
			wantDisplay: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			payload, display := ExtractPayload(tt.stdout)
			if string(payload) != tt.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tt.wantPayload)
			}
			if display != tt.wantDisplay {
				t.Errorf("display = %q, want %q", display, tt.wantDisplay)
			}
		})
	}
}
