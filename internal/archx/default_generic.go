//go:build !amd64

package archx

var defaultPolicy Policy = Generic
