package main

// buildVersion is the released gateway version. Overridable at link time:
//
//	go build -ldflags "-X main.buildVersion=1.2.3"
var buildVersion = "0.1.0"
