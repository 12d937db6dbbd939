package alarms

import "strconv"

// FormatThresholdRange renders rule bounds for display, upper bound
// first. The string is built at presentation time from the stored
// numeric bounds and is never persisted.
func FormatThresholdRange(upper, lower *float64) string {
	var out string
	if upper != nil {
		out = "上限: " + formatLimit(*upper)
	}
	if lower != nil {
		if out != "" {
			out += ", "
		}
		out += "下限: " + formatLimit(*lower)
	}
	return out
}

func formatLimit(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
