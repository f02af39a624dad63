package room

import (
	"bytes"
	"testing"
)

func sampleRoom() *Room {
	r := New("W1N1")
	r.Controller = &Controller{Owner: "demo", Level: 3}
	r.Objects["creep_b"] = &Object{ID: "creep_b", Type: TypeCreep, X: 10, Y: 12, Owner: "demo", Hits: 100, HitsMax: 100}
	r.Objects["creep_a"] = &Object{ID: "creep_a", Type: TypeCreep, X: 5, Y: 5, Owner: "demo", Store: map[string]int{"energy": 50}}
	r.Objects["road_1"] = &Object{ID: "road_1", Type: TypeRoad, X: 6, Y: 5, Hits: 300, HitsMax: 5000}
	r.EventLog = []Event{{Type: "moved", ObjectID: "creep_a", Data: map[string]any{"x": 5, "y": 5}}}
	return r
}

func TestEncodeDeterministic(t *testing.T) {
	a, err := Encode(sampleRoom())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(sampleRoom())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("two encodes of identical room state produced different bytes")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleRoom()
	blob, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != want.Name {
		t.Fatalf("Name = %q, want %q", got.Name, want.Name)
	}
	if len(got.Objects) != len(want.Objects) {
		t.Fatalf("object count = %d, want %d", len(got.Objects), len(want.Objects))
	}
	creep := got.Object("creep_a")
	if creep == nil || creep.Store["energy"] != 50 {
		t.Fatalf("creep_a store lost in round trip: %+v", creep)
	}
	if got.Controller == nil || got.Controller.Owner != "demo" || got.Controller.Level != 3 {
		t.Fatalf("controller lost in round trip: %+v", got.Controller)
	}
	// Per-tick fields never travel with the blob.
	if got.ReceivedUpdate || got.NextUpdate != 0 {
		t.Fatalf("per-tick fields persisted: ReceivedUpdate=%v NextUpdate=%d", got.ReceivedUpdate, got.NextUpdate)
	}
}

func TestDecodeEmptyObjectsMap(t *testing.T) {
	blob, err := Encode(&Room{Name: "W0N0"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Objects == nil {
		t.Fatal("Decode returned nil Objects map")
	}
}

func TestIntentPayloadRoundTrip(t *testing.T) {
	want := UserIntentPayload{
		User: "demo",
		Intents: RoomIntents{
			Room: map[string][][]any{
				"createConstructionSite": {{int64(10), int64(20), "road"}},
			},
			Objects: map[string]map[string][]any{
				"creep_a": {"move": {int64(6), int64(5)}},
			},
		},
	}
	blob, err := EncodeIntents(want)
	if err != nil {
		t.Fatalf("EncodeIntents: %v", err)
	}
	got, err := DecodeIntents(blob)
	if err != nil {
		t.Fatalf("DecodeIntents: %v", err)
	}
	if got.User != "demo" {
		t.Fatalf("User = %q, want demo", got.User)
	}
	if got.Intents.Empty() {
		t.Fatal("round-tripped intents are empty")
	}
	tuples := got.Intents.Room["createConstructionSite"]
	if len(tuples) != 1 || len(tuples[0]) != 3 {
		t.Fatalf("room intent tuples = %v", tuples)
	}
	if _, ok := got.Intents.Objects["creep_a"]["move"]; !ok {
		t.Fatalf("object intent lost: %v", got.Intents.Objects)
	}
}

func TestRoomIntentsEmpty(t *testing.T) {
	if !(RoomIntents{}).Empty() {
		t.Fatal("zero RoomIntents not Empty")
	}
	ri := RoomIntents{Room: map[string][][]any{"x": nil}}
	if ri.Empty() {
		t.Fatal("RoomIntents with a room action reported Empty")
	}
}
