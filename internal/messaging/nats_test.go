package messaging

import "testing"

func TestRoomSubject(t *testing.T) {
	cases := map[string]string{
		"event:42": "rooms.event.42",
		"user:7":   "rooms.user.7",
		"admin":    "rooms.admin",
	}
	for room, want := range cases {
		if got := RoomSubject(room); got != want {
			t.Errorf("RoomSubject(%q) = %q, want %q", room, got, want)
		}
	}
}
