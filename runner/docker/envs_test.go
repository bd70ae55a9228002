package docker

import (
	"reflect"
	"testing"
)

func TestFromMap(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
		want EnvVars
	}{
		{
			name: "nil input",
			in:   nil,
			want: nil,
		},
		{
			name: "empty input",
			in:   map[string]string{},
			want: nil,
		},
		{
			name: "single env var",
			in:   map[string]string{"FOO": "bar"},
			want: EnvVars{"FOO=bar"},
		},
		{
			name: "keys are sorted",
			in:   map[string]string{"ZED": "1", "ALPHA": "2", "MID": "3"},
			want: EnvVars{"ALPHA=2", "MID=3", "ZED=1"},
		},
		{
			name: "empty values survive",
			in:   map[string]string{"EMPTY": ""},
			want: EnvVars{"EMPTY="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromMap(tt.in)

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FromMap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddEnv(t *testing.T) {
	ev := EnvVars{}
	ev.AddEnv("FOO", "bar")
	ev.AddEnv("BAZ", "qux")

	want := EnvVars{"FOO=bar", "BAZ=qux"}
	if !reflect.DeepEqual(ev, want) {
		t.Errorf("AddEnv result = %v, want %v", ev, want)
	}
}

func TestStripANSI(t *testing.T) {
	var buf captureWriter
	w := stripANSI(&buf)

	in := "\x1b[31mred\x1b[0m plain\n"
	n, err := w.Write([]byte(in))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(in) {
		t.Errorf("Write reported %d bytes, want %d", n, len(in))
	}
	if got := string(buf); got != "red plain\n" {
		t.Errorf("stripped output = %q", got)
	}
}

type captureWriter []byte

func (w *captureWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
