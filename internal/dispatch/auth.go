package dispatch

import (
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/internal/reply"
	"github.com/fruitsalade/agavesync/internal/taskguide"
)

// PerformAuth runs the client registration and token exchange for user.
// The returned reply completes GOOD once the session is CONNECTED; any
// failure leaves the session READY with every credential cleared.
func (d *Dispatcher) PerformAuth(user, pass string) *reply.Reply {
	params := map[string]string{"authUname": user}
	if d.session.State != Ready {
		return reply.Failed(taskguide.FullAuth, params, reply.InvalidState)
	}
	if user == "" || pass == "" {
		return reply.Failed(taskguide.FullAuth, params, reply.InvalidParam)
	}

	d.setState(Authenticating)
	d.session = d.session.WithPassword(user, pass)

	r := reply.New(taskguide.FullAuth, params, nil)
	r.Start()
	d.authReply = r
	d.issueInternal(taskguide.AuthStep1, nil)
	return r
}

// RefreshToken is not supported by this client.
func (d *Dispatcher) RefreshToken() *reply.Reply {
	d.log.Warn("token refresh requested but not implemented")
	return reply.Failed(taskguide.AuthRefresh, nil, reply.NotImplemented)
}

func (d *Dispatcher) authenticating(step string) bool {
	if d.session.State == Authenticating && d.authReply != nil {
		return true
	}
	d.log.Warn("session step reply outside authentication ignored", zap.String("task", step))
	return false
}

func (d *Dispatcher) onClientProbe(o reply.Outcome) {
	if !d.authenticating(taskguide.AuthStep1) {
		return
	}
	switch {
	case o.OK():
		// The client exists but its secret is unknown; recreate it.
		d.issueInternal(taskguide.AuthStep1a, nil)
	case o.State == reply.ExplicitError:
		switch agave.ClassifyClientProbe(o.Message) {
		case agave.ProbeClientMissing:
			d.createClient()
		case agave.ProbeLoginFailed:
			d.failAuth(reply.FailureMsg(reply.ExplicitError, o.Message))
		default:
			d.failAuth(o)
		}
	default:
		d.failAuth(o)
	}
}

func (d *Dispatcher) onClientDeleted(o reply.Outcome) {
	if !d.authenticating(taskguide.AuthStep1a) {
		return
	}
	if !o.OK() {
		d.failAuth(o)
		return
	}
	d.createClient()
}

func (d *Dispatcher) createClient() {
	d.issueInternal(taskguide.AuthStep2, map[string]string{
		"clientName":  d.clientName,
		"description": clientDescription,
	})
}

func (d *Dispatcher) onClientCreated(o reply.Outcome) {
	if !d.authenticating(taskguide.AuthStep2) {
		return
	}
	if o.State == reply.MissingReplyData {
		d.failAuth(reply.Failure(reply.JSONParseError))
		return
	}
	creds, ok := o.Value.(agave.ClientCredentials)
	if !o.OK() || !ok {
		d.failAuth(o)
		return
	}
	d.session = d.session.WithClient(creds)
	d.issueInternal(taskguide.AuthStep3, map[string]string{
		"authUname": d.session.Username,
		"authPass":  d.session.Password,
	})
}

func (d *Dispatcher) onToken(o reply.Outcome) {
	if !d.authenticating(taskguide.AuthStep3) {
		return
	}
	if o.State == reply.MissingReplyData {
		d.failAuth(reply.Failure(reply.JSONParseError))
		return
	}
	tok, ok := o.Value.(agave.Token)
	if !o.OK() || !ok {
		d.failAuth(o)
		return
	}

	d.session = d.session.WithToken(tok, d.now())
	d.setState(Connected)
	metrics.RecordAuthAttempt(true)
	d.log.Info("authenticated",
		zap.String("user", d.session.Username),
		zap.Time("token_expiry", d.session.TokenExpiry))

	r := d.authReply
	d.authReply = nil
	r.Complete(reply.Success(d.session.Username))
}

func (d *Dispatcher) failAuth(o reply.Outcome) {
	if o.OK() {
		o = reply.Failure(reply.Unclassified)
	}
	d.log.Info("authentication failed",
		zap.String("state", o.State.String()),
		zap.String("message", o.Text()))
	d.setState(Ready)
	metrics.RecordAuthAttempt(false)

	r := d.authReply
	d.authReply = nil
	if r != nil {
		r.Complete(o)
	}
}

// CloseAllConnections revokes the token and returns a reply that completes
// once the revocation has finished and no request is in flight. New work
// is refused from the moment it is called.
func (d *Dispatcher) CloseAllConnections() *reply.Reply {
	if d.session.State != Connected {
		return reply.Failed(taskguide.WaitAll, nil, reply.InvalidState)
	}
	if !d.session.HasClient() || d.session.Token == "" {
		d.log.Error("connected session lacks credentials")
		d.setState(Disconnected)
		return reply.Failed(taskguide.WaitAll, nil, reply.InternalError)
	}

	token := d.session.Token
	d.setState(Disconnecting)

	r := reply.New(taskguide.WaitAll, nil, nil)
	r.Start()
	d.closeReply = r
	d.revokeDone = false
	d.issueInternal(taskguide.AuthRevoke, map[string]string{"token": token})
	return r
}

func (d *Dispatcher) onRevoke(o reply.Outcome) {
	if !o.OK() {
		d.log.Warn("token revocation failed",
			zap.String("state", o.State.String()),
			zap.String("message", o.Text()))
	}
	d.setState(Disconnected)
	d.revokeDone = true
	// The revoke may have failed before it was sent, in which case no
	// completion will run checkIdle.
	d.loop.Post(d.checkClose)
}
