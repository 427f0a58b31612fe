package dnssd

import "github.com/miekg/dns"

// buildProbeQuery turns a ProbingInfo into the wire-ready query message: a
// non-authoritative question with the tentative records in the authority
// section (flags 0x0000).
func buildProbeQuery(info ProbingInfo) *dns.Msg {
	msg := new(dns.Msg)
	msg.Question = info.Questions
	msg.Ns = info.Authority
	return msg
}

// buildAnnouncement turns an AnnouncementInfo into the wire-ready response
// message: flags 0x8400 (response + authoritative), no questions.
func buildAnnouncement(info AnnouncementInfo) *dns.Msg {
	msg := new(dns.Msg)
	msg.MsgHdr.Response = true
	msg.MsgHdr.Authoritative = true
	msg.Answer = info.Answers
	msg.Extra = info.Additional
	return msg
}

// buildReply turns a Reply into the wire-ready response message.
func buildReply(reply Reply) *dns.Msg {
	msg := new(dns.Msg)
	msg.MsgHdr.Response = true
	msg.MsgHdr.Authoritative = true
	msg.Answer = reply.Answers
	msg.Extra = reply.Additional
	return msg
}
