package engine

// ResetGlobal clears the process-wide executor between tests.
func ResetGlobal() {
	global.Store(nil)
}
