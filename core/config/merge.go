package config

import "reflect"

// DeepMerge layers src over dst; both must be pointers to the same type.
// Non-zero scalars in src win, structs and map entries merge field by field,
// non-empty slices replace. A zero value in src never clears dst, so a file
// only needs to name what it changes. The flip side is that a file cannot set
// a field back to zero: a limit row cannot be made unlimited through YAML, and
// zeroing a scalar takes its TOOLRT_ environment variable, which is assigned
// as given.
func DeepMerge(dst, src any) {
	d, s := reflect.ValueOf(dst), reflect.ValueOf(src)
	if d.Kind() != reflect.Pointer || s.Kind() != reflect.Pointer || d.IsNil() || s.IsNil() {
		return
	}
	if d.Type() != s.Type() {
		return
	}
	overlay(d.Elem(), s.Elem())
}

func overlay(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := range dst.NumField() {
			overlay(dst.Field(i), src.Field(i))
		}

	case reflect.Map:
		if src.IsNil() {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMapWithSize(dst.Type(), src.Len()))
		}
		iter := src.MapRange()
		for iter.Next() {
			dst.SetMapIndex(iter.Key(), overlayEntry(dst.MapIndex(iter.Key()), iter.Value()))
		}

	case reflect.Pointer:
		if src.IsNil() {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		overlay(dst.Elem(), src.Elem())

	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}

	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

// overlayEntry merges a map value. Map entries are not addressable, so the
// existing value is copied out, merged, and handed back for storing.
func overlayEntry(existing, incoming reflect.Value) reflect.Value {
	if !existing.IsValid() {
		return incoming
	}
	switch incoming.Kind() {
	case reflect.Struct, reflect.Map:
		merged := reflect.New(existing.Type()).Elem()
		merged.Set(existing)
		overlay(merged, incoming)
		return merged
	default:
		return incoming
	}
}
