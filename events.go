package websocket

// SetCloseHandler sets the function called when the peer's Close frame
// arrives, before it is echoed. nil restores the default, which only logs.
// Handlers must be set before reading.
func (c *Conn) SetCloseHandler(h func(code CloseCode, reason string) error) {
	if h == nil {
		c.handleClose = func(code CloseCode, reason string) error {
			c.l.Debugw("close handler", "code", code, "reason", reason)
			return nil
		}
	} else {
		c.handleClose = h
	}
}

// SetPingHandler sets the function called for every received Ping, after
// it was answered with a Pong.
func (c *Conn) SetPingHandler(h func(appData []byte) error) {
	if h == nil {
		c.handlePing = func(appData []byte) error {
			c.l.Debugw("ping handler", "strdata", string(appData))
			return nil
		}
	} else {
		c.handlePing = h
	}
}

func (c *Conn) SetPongHandler(h func(appData []byte) error) {
	if h == nil {
		c.handlePong = func(appData []byte) error {
			c.l.Debugw("pong handler", "strdata", string(appData))
			return nil
		}
	} else {
		c.handlePong = h
	}
}
