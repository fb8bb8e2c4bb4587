package runtime

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestObjectOrderPreserved(t *testing.T) {
	var o ObjectValue
	o.Set("b", StringValue("1"))
	o.Set("a", StringValue("2"))
	o.Set("b", StringValue("3")) // replace keeps position

	if diff := cmp.Diff([]string{"b", "a"}, o.Keys); diff != "" {
		t.Fatalf("key order (-want +got):\n%s", diff)
	}
	v, ok := o.Get("b")
	if !ok || v != StringValue("3") {
		t.Fatalf("replaced value: %v %v", v, ok)
	}
}

func TestJSONShapes(t *testing.T) {
	var o ObjectValue
	o.Set("tag", VariantValue{Tag: "Lit", Payload: StringValue("1")})
	o.Set("arr", ArrayValue{NullValue{}, StringValue("x")})
	o.Set("none", nil)

	got, err := o.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"tag":{"$tag":"Lit","$data":"1"},"arr":[null,"x"],"none":null}`
	if string(got) != want {
		t.Fatalf("json:\n want %s\n got  %s", want, got)
	}
}

func TestEmptyArrayJSON(t *testing.T) {
	got, err := ArrayValue(nil).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "[]" {
		t.Fatalf("empty array should render as [], got %s", got)
	}
}
