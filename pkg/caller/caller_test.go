package caller

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testStruct struct{}

func (*testStruct) Method() string {
	return Name()
}

func plainFunc() string {
	return Name()
}

func outer() string {
	return inner()
}

func inner() string {
	return Name(1)
}

func TestName(t *testing.T) {
	require.Equal(t, "testStruct.Method", (&testStruct{}).Method())
	require.Equal(t, "plainFunc", plainFunc())
	require.Equal(t, "outer", outer())

	closure := func() string { return Name() }
	require.Equal(t, "TestName", closure())
}

func TestTrimName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"github.com/x/y/mapreduce.(*Manager[...]).consume", "Manager.consume"},
		{"github.com/x/y/mapreduce.(*Manager[...]).consume.func1", "Manager.consume"},
		{"github.com/x/y/mapreduce.NewManager[...]", "NewManager"},
		{"main.main", "main"},
		{"github.com/x/y/mapreduce.Runtime[...].Run.gowrap2", "Runtime.Run"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, trimName(tc.in))
		})
	}
}
