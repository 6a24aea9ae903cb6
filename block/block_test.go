package block

import (
	"encoding/json"
	"testing"
)

func TestValueMarshalRendersPlainJSON(t *testing.T) {
	v := Value{Kind: KindObject, Obj: map[string]Value{
		"command": {Kind: KindString, Str: "ls -la"},
		"count":   {Kind: KindNumber, Num: 3},
		"items":   {Kind: KindArray, Arr: []Value{{Kind: KindString, Str: "a"}}},
	}}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("round trip into plain map failed: %v (data=%s)", err, data)
	}
	if raw["command"] != "ls -la" {
		t.Errorf("raw[command] = %v", raw["command"])
	}
	if raw["count"] != float64(3) {
		t.Errorf("raw[count] = %v", raw["count"])
	}
}

func TestValueUnmarshalInfersKind(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"a":1,"b":"s","c":[true,null]}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.Kind != KindObject {
		t.Fatalf("Kind = %v, want object", v.Kind)
	}
	if v.Obj["a"].Kind != KindNumber || v.Obj["a"].Num != 1 {
		t.Errorf("Obj[a] = %+v", v.Obj["a"])
	}
	if v.Obj["b"].Kind != KindString || v.Obj["b"].Str != "s" {
		t.Errorf("Obj[b] = %+v", v.Obj["b"])
	}
	arr := v.Obj["c"].Arr
	if len(arr) != 2 || arr[0].Kind != KindBool || !arr[0].Bool || arr[1].Kind != KindNull {
		t.Errorf("Obj[c] = %+v", arr)
	}
}

func TestValueRoundTrip(t *testing.T) {
	orig := Value{Kind: KindArray, Arr: []Value{
		{Kind: KindNull},
		{Kind: KindBool, Bool: true},
		{Kind: KindNumber, Num: 1.5},
	}}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Arr) != 3 || got.Arr[1].Bool != true || got.Arr[2].Num != 1.5 {
		t.Fatalf("got = %+v", got)
	}
}

func TestBlockTerminalReflectsIsPartial(t *testing.T) {
	partial := Block{IsPartial: true}
	final := Block{IsPartial: false}
	if partial.Terminal() {
		t.Error("partial block should not be Terminal")
	}
	if !final.Terminal() {
		t.Error("non-partial block should be Terminal")
	}
}
