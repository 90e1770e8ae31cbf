package qhat

import "github.com/sirgallo/logger"


// cLog
//	Package-level structured logger for the store/allocator/trie subsystem.
var cLog = logger.NewCustomLog("QHAT")
