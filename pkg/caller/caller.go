package caller

import (
	"runtime"
	"strings"
)

// Name returns the name of the function that called the function calling
// Name, in the form "Type.Method" for methods and "Func" for functions. It is
// used to name tracing spans.
//
//	func (m *Manager[R]) consume() {
//		fmt.Println(caller.Name()) // Manager.consume
//	}
//
// An optional offset walks further up the stack:
//
//	func Foo() { Bar() }
//	func Bar() { fmt.Println(caller.Name(1)) } // Foo
func Name(offsetOpt ...int) string {
	offset := 1
	if len(offsetOpt) > 0 {
		offset += offsetOpt[0]
	}

	pc, _, _, ok := runtime.Caller(offset)
	if !ok {
		return ""
	}
	details := runtime.FuncForPC(pc)
	if details == nil {
		return ""
	}

	return trimName(details.Name())
}

// trimName turns "example.com/pkg.(*Manager[...]).consume.func1" into
// "Manager.consume".
func trimName(fullName string) string {
	// type parameters are printed as "[...]", which holds dots of its own
	fullName = strings.ReplaceAll(fullName, "[...]", "")

	// the package path may contain dots (domain names), the symbol starts
	// after the last slash
	if i := strings.LastIndex(fullName, "/"); i >= 0 {
		fullName = fullName[i+1:]
	}

	parts := strings.Split(fullName, ".")

	// closures: drop "func1", "func2", "gowrap1" ...
	for len(parts) > 1 && isClosure(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}

	switch {
	case len(parts) == 0:
		return ""
	case len(parts) > 2:
		typeName := strings.Trim(parts[len(parts)-2], "(*)")
		return typeName + "." + parts[len(parts)-1]
	default:
		return parts[len(parts)-1]
	}
}

func isClosure(part string) bool {
	for _, prefix := range []string{"func", "gowrap"} {
		rest, ok := strings.CutPrefix(part, prefix)
		if ok && rest != "" && strings.Trim(rest, "0123456789") == "" {
			return true
		}
	}
	return false
}
