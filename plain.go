package ipcring

import (
	"fmt"
	"reflect"
)

// checkPlain rejects payload types that carry references. Such values
// would point into one process's address space, and the garbage collector
// does not scan cells that live in a mapped segment.
func checkPlain[T any]() error {
	t := reflect.TypeFor[T]()
	if where, bad := indirection(t); bad != nil {
		if where == "" {
			return fmt.Errorf("%w: %v is a %v", ErrPayloadNotPlain, t, bad.Kind())
		}
		return fmt.Errorf("%w: %v has %v at %s", ErrPayloadNotPlain, t, bad.Kind(), where)
	}
	return nil
}

// indirection returns the first non-plain type inside t and the path to it.
func indirection(t reflect.Type) (string, reflect.Type) {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return "", nil
	case reflect.Array:
		where, bad := indirection(t.Elem())
		switch {
		case bad == nil:
			return "", nil
		case where == "" || where[0] == '[':
			return "[]" + where, bad
		default:
			return "[]." + where, bad
		}
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			where, bad := indirection(f.Type)
			if bad == nil {
				continue
			}
			if where == "" || where[0] == '[' {
				return f.Name + where, bad
			}
			return f.Name + "." + where, bad
		}
		return "", nil
	default:
		return "", t
	}
}
