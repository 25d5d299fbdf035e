package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	// Users
	&SaasUser{},
	// WhatsApp
	&WhatsAppSession{},
	&WhatsAppCredential{},
	// Notify
	&NotifyTemplate{},
	&NotifyLog{},
	&NotifyScheduler{},
}
