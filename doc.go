// Package main provides the go-resign CLI tool for iOS app resigning.
//
// For the library API, see the resign subpackage:
//
//	import "github.com/go-resign/go-resign/pkg/resign"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/go-resign/go-resign@latest
package main
