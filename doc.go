// Package main provides the go-zsign CLI for signing Mach-O files, .app
// bundles and IPA archives.
//
// For the library API, see the codesign subpackage:
//
//	import "github.com/aluedeke/go-zsign/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-zsign@latest
package main
