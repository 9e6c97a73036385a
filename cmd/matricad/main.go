// matricad is the MatricaRMZ background sync client: it reconciles the
// local SQLite store with the central server, repairs local schema drift
// and mirrors the server's audit ledger.
package main

func main() {
	Execute()
}
