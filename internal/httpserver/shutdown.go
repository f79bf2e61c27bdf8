package httpserver

import "time"

// ShutdownTimeout bounds how long in-flight requests, including clip streams,
// may take to finish once the server is asked to stop.
var ShutdownTimeout = 10 * time.Second
