package snmp

// Well-known OIDs, normalized with a leading dot. Scalar instances carry
// their .0 suffix; table columns are the column root to walk.
const (
	// SNMPv2-MIB system group.
	OIDSysDescr    = ".1.3.6.1.2.1.1.1.0"
	OIDSysObjectID = ".1.3.6.1.2.1.1.2.0"
	OIDSysUpTime   = ".1.3.6.1.2.1.1.3.0"

	// snmpTrapOID.0, the second standard varbind of v2c traps.
	OIDSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"

	// IF-MIB interface table columns.
	OIDIfIndex       = ".1.3.6.1.2.1.2.2.1.1"
	OIDIfDescr       = ".1.3.6.1.2.1.2.2.1.2"
	OIDIfAdminStatus = ".1.3.6.1.2.1.2.2.1.7"
	OIDIfOperStatus  = ".1.3.6.1.2.1.2.2.1.8"
	OIDIfLastChange  = ".1.3.6.1.2.1.2.2.1.9"
	OIDIfAlias       = ".1.3.6.1.2.1.31.1.1.1.18"

	// IP-MIB address table: ipAdEntIfIndex, indexed by the address itself.
	OIDIPAdEntIfIndex = ".1.3.6.1.2.1.4.20.1.2"

	// RFC 1657 BGP4-MIB peer table columns.
	OIDBGPPeerState          = ".1.3.6.1.2.1.15.3.1.2"
	OIDBGPPeerAdminStatus    = ".1.3.6.1.2.1.15.3.1.3"
	OIDBGPPeerRemoteAS       = ".1.3.6.1.2.1.15.3.1.9"
	OIDBGPPeerFsmEstablished = ".1.3.6.1.2.1.15.3.1.16"

	// BGP4-V2-MIB-JUNIPER peer table columns (jnxBgpM2Peer*).
	OIDJnxBgpM2PeerState          = ".1.3.6.1.4.1.2636.5.1.1.2.1.1.1.2"
	OIDJnxBgpM2PeerStatus         = ".1.3.6.1.4.1.2636.5.1.1.2.1.1.1.3"
	OIDJnxBgpM2PeerRemoteAddr     = ".1.3.6.1.4.1.2636.5.1.1.2.1.1.1.11"
	OIDJnxBgpM2PeerRemoteAS       = ".1.3.6.1.4.1.2636.5.1.1.2.1.1.1.13"
	OIDJnxBgpM2PeerFsmEstablished = ".1.3.6.1.4.1.2636.5.1.1.2.6.1.1.1"

	// CISCO-BGP4-MIB peer2 table columns (cbgpPeer2*).
	OIDCbgpPeer2State          = ".1.3.6.1.4.1.9.9.187.1.2.5.1.3"
	OIDCbgpPeer2AdminStatus    = ".1.3.6.1.4.1.9.9.187.1.2.5.1.4"
	OIDCbgpPeer2RemoteAS       = ".1.3.6.1.4.1.9.9.187.1.2.5.1.11"
	OIDCbgpPeer2FsmEstablished = ".1.3.6.1.4.1.9.9.187.1.2.5.1.19"

	// BFD-STD-MIB session table columns.
	OIDBFDSessState        = ".1.3.6.1.2.1.222.1.2.1.8"
	OIDBFDSessDiscr        = ".1.3.6.1.2.1.222.1.2.1.2"
	OIDBFDSessAddrType     = ".1.3.6.1.2.1.222.1.2.1.4"
	OIDBFDSessAddr         = ".1.3.6.1.2.1.222.1.2.1.5"
	OIDCiscoBFDSessState   = ".1.3.6.1.4.1.9.10.137.1.2.1.1.6"
	OIDCiscoBFDSessDiscr   = ".1.3.6.1.4.1.9.10.137.1.2.1.1.2"
	OIDCiscoBFDSessAddr    = ".1.3.6.1.4.1.9.10.137.1.2.1.1.5"
	OIDJnxBFDSessIntfName  = ".1.3.6.1.4.1.2636.3.45.1.1.2.1.3"
	OIDJnxBFDSessState     = ".1.3.6.1.4.1.2636.5.3.1.1.1.1.1.8"
	OIDJnxBFDSessDiscr     = ".1.3.6.1.4.1.2636.5.3.1.1.1.1.1.2"
	OIDJnxBFDSessAddr      = ".1.3.6.1.4.1.2636.5.3.1.1.1.1.1.5"
	OIDJnxBFDSessAddrType  = ".1.3.6.1.4.1.2636.5.3.1.1.1.1.1.4"
	OIDJnxBFDSessIfIndex   = ".1.3.6.1.4.1.2636.5.3.1.1.1.1.1.10"
	OIDJnxBFDSessIntfIndex = OIDJnxBFDSessIfIndex

	// JUNIPER-ALARM-MIB chassis alarm counters.
	OIDJnxYellowAlarmCount = ".1.3.6.1.4.1.2636.3.4.2.2.2.0"
	OIDJnxRedAlarmCount    = ".1.3.6.1.4.1.2636.3.4.2.3.2.0"
)

// Trap OIDs dispatched by the trap receiver.
const (
	TrapColdStart             = ".1.3.6.1.6.3.1.1.5.1"
	TrapWarmStart             = ".1.3.6.1.6.3.1.1.5.2"
	TrapLinkDown              = ".1.3.6.1.6.3.1.1.5.3"
	TrapLinkUp                = ".1.3.6.1.6.3.1.1.5.4"
	TrapBGPEstablished        = ".1.3.6.1.2.1.15.7.1"
	TrapBGPBackwardTransition = ".1.3.6.1.2.1.15.7.2"
	TrapBFDSessUp             = ".1.3.6.1.2.1.222.0.1"
	TrapBFDSessDown           = ".1.3.6.1.2.1.222.0.2"
	TrapCiscoReload           = ".1.3.6.1.4.1.9.0.0"
	TrapCiscoConfigManEvent   = ".1.3.6.1.4.1.9.9.43.2.0.1"
	TrapOspfIfConfigError     = ".1.3.6.1.2.1.14.16.2.4"
)

// enterprisePrefix is the common prefix of all enterprise OIDs; sysObjectID
// values under it identify the vendor by the next sub-identifier.
const enterprisePrefix = ".1.3.6.1.4.1."
