package config

import "reflect"

// MergeNonZero returns a copy of base with every non-zero field of overlay
// applied on top. Nested structs are merged field by field, maps are merged
// with overlay keys winning, and every other kind (durations included)
// overrides only when the overlay value is non-zero.
//
// Used for partial live reconfiguration, e.g. a sync section that only sets
// min_interval.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	mergeValue(reflect.ValueOf(&result).Elem(), reflect.ValueOf(&overlay).Elem())
	return result
}

func mergeValue(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			if dst.Field(i).CanSet() {
				mergeValue(dst.Field(i), src.Field(i))
			}
		}
	case reflect.Map:
		if src.Len() == 0 {
			return
		}
		merged := reflect.MakeMap(dst.Type())
		for _, k := range dst.MapKeys() {
			merged.SetMapIndex(k, dst.MapIndex(k))
		}
		for _, k := range src.MapKeys() {
			merged.SetMapIndex(k, src.MapIndex(k))
		}
		dst.Set(merged)
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}
