package lobby

// broadcast fans a delta out to every attached connection. A full
// per-connection buffer means a slow consumer; rather than block the
// single-threaded actor, drop that attachment's channel (closing it
// signals ConnectionHub to stop pumping and treat the connection as
// detached on its next read).
func (l *Lobby) broadcast(d Delta) {
	for id, att := range l.attachments {
		l.sendTo(id, att, d)
	}
}

func (l *Lobby) sendTo(participantID string, att *attachment, d Delta) {
	select {
	case att.outbound <- d:
	default:
		close(att.outbound)
		delete(l.attachments, participantID)
		if p, ok := l.participants[participantID]; ok {
			p.IsAttached = false
		}
	}
}
