package testutil

import "os"

func lookupEnv(key string) bool {
	v, ok := os.LookupEnv(key)
	return ok && v != "" && v != "0"
}
