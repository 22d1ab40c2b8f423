// Package main is a command line client that runs programs through the
// sandbox directly, without the MCP or HTTP layers.
//
//	sandboxctl run --language python hello.py < input.txt
//	sandboxctl languages
package main
