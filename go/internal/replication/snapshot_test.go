package replication

import "testing"

func TestDecodeSnapshotValid(t *testing.T) {
	data := []byte(`{"video_id":"dQw4w9WgXcQ","playback_time":12.5,"is_playing":true,"seq":7,"last_updated_at":1700000000000}`)

	snap, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decodeSnapshot: %v", err)
	}
	if snap.Seq != 7 || snap.PlaybackTime != 12.5 || !snap.IsPlaying {
		t.Errorf("decoded = %+v, want seq 7 / time 12.5 / playing", snap)
	}
	if snap.Users == nil {
		t.Error("users map must be non-nil after decode")
	}
}

func TestDecodeSnapshotMalformed(t *testing.T) {
	cases := []string{
		`not json at all`,
		`{"playback_time":1}`,                 // no seq, no last_updated_at
		`{"seq":3}`,                           // no last_updated_at
		`{"last_updated_at":1700000000000}`,   // no seq
		`{"seq":"three","last_updated_at":1}`, // non-numeric seq
	}
	for _, in := range cases {
		if _, err := decodeSnapshot([]byte(in)); err == nil {
			t.Errorf("decodeSnapshot(%q) succeeded, want error", in)
		}
	}
}
