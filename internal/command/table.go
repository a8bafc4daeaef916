package command

func builtins() []Info {
	return []Info{
		{Name: "send", Aliases: []string{"s"}, Usage: "send <name/#/address> <message>", Description: "Send a message to a contact or address", Category: CategoryMessaging, run: (*Router).cmdSend},
		{Name: "reply", Aliases: []string{"re"}, Usage: "reply <message>", Description: "Reply to the last person who wrote", Category: CategoryMessaging, run: (*Router).cmdReply},
		{Name: "replyto", Usage: "replyto", Description: "Show who 'reply' will go to", Category: CategoryMessaging, run: (*Router).cmdReplyTo},
		{Name: "messages", Aliases: []string{"m"}, Usage: "messages [count] | list | user <#>", Description: "Recent messages, conversation list or one conversation", Category: CategoryMessaging, run: (*Router).cmdMessages},
		{Name: "sendpeer", Aliases: []string{"sp"}, Usage: "sendpeer <peer #> <message>", Description: "Send to an announced peer by number", Category: CategoryMessaging, run: (*Router).cmdSendPeer},
		{Name: "stats", Aliases: []string{"st"}, Usage: "stats", Description: "Message totals per peer", Category: CategoryMessaging, run: (*Router).cmdStats},

		{Name: "contacts", Aliases: []string{"c"}, Usage: "contacts", Description: "List saved contacts", Category: CategoryContacts, run: (*Router).cmdContacts},
		{Name: "add", Aliases: []string{"a"}, Usage: "add <name> <address>", Description: "Save a contact", Category: CategoryContacts, run: (*Router).cmdAdd},
		{Name: "edit", Aliases: []string{"e"}, Usage: "edit <name/#> name|address <value>", Description: "Rename a contact or change its address", Category: CategoryContacts, run: (*Router).cmdEdit},
		{Name: "remove", Aliases: []string{"rm"}, Usage: "remove <name>", Description: "Delete a contact", Category: CategoryContacts, run: (*Router).cmdRemove},
		{Name: "savecontact", Aliases: []string{"save"}, Usage: "savecontact [address] [name]", Description: "Save the last sender, or an address, as a contact", Category: CategoryContacts, run: (*Router).cmdSaveContact},
		{Name: "peers", Aliases: []string{"p"}, Usage: "peers", Description: "List announced peers", Category: CategoryContacts, run: (*Router).cmdPeers},
		{Name: "addpeer", Aliases: []string{"ap"}, Usage: "addpeer <peer #> [name]", Description: "Save an announced peer as a contact", Category: CategoryContacts, run: (*Router).cmdAddPeer},
		{Name: "blacklist", Aliases: []string{"bl"}, Usage: "blacklist [list | add <ref> | remove <ref> | clear]", Description: "Manage blocked senders", Category: CategoryContacts, run: (*Router).cmdBlacklist},
		{Name: "block", Usage: "block <name/#/address>", Description: "Block a sender", Category: CategoryContacts, run: (*Router).cmdBlock},
		{Name: "unblock", Usage: "unblock <name/#/address>", Description: "Unblock a sender", Category: CategoryContacts, run: (*Router).cmdUnblock},

		{Name: "settings", Aliases: []string{"set"}, Usage: "settings [<key> <value> | test]", Description: "Show or change settings", Category: CategorySettings, run: (*Router).cmdSettings},
		{Name: "name", Aliases: []string{"n"}, Usage: "name <display name>", Description: "Change display name and announce", Category: CategorySettings, run: (*Router).cmdName},
		{Name: "interval", Aliases: []string{"i"}, Usage: "interval <seconds>", Description: "Change the auto-announce interval", Category: CategorySettings, run: (*Router).cmdInterval},
		{Name: "discoverannounce", Usage: "discoverannounce [on|off]", Description: "Show newly discovered peers", Category: CategorySettings, run: (*Router).cmdDiscoverAnnounce},
		{Name: "plugin", Usage: "plugin [list | enable <name> | disable <name> | reload]", Description: "Manage plugins", Category: CategorySettings, run: (*Router).cmdPlugin},

		{Name: "help", Aliases: []string{"h"}, Usage: "help [command]", Description: "Show commands", Category: CategorySystem, run: (*Router).cmdHelp},
		{Name: "status", Usage: "status", Description: "Identity, network, security and counters", Category: CategorySystem, run: (*Router).cmdStatus},
		{Name: "address", Aliases: []string{"addr"}, Usage: "address", Description: "Show your address", Category: CategorySystem, run: (*Router).cmdAddress},
		{Name: "announce", Aliases: []string{"ann"}, Usage: "announce", Description: "Announce now", Category: CategorySystem, run: (*Router).cmdAnnounce},
		{Name: "debug", Usage: "debug", Description: "Internal counters and recent events", Category: CategorySystem, run: (*Router).cmdDebug},
		{Name: "clear", Aliases: []string{"cls"}, Usage: "clear", Description: "Clear the screen", Category: CategorySystem, run: (*Router).cmdClear},
		{Name: "quit", Aliases: []string{"q", "exit"}, Usage: "quit", Description: "Exit", Category: CategorySystem, run: (*Router).cmdQuit},
	}
}
