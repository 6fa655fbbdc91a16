package utils

const SyncBoxArt = `
 ____                   ____
/ ___| _   _ _ __   ___| __ )  _____  __
\___ \| | | | '_ \ / __|  _ \ / _ \ \/ /
 ___) | |_| | | | | (__| |_) | (_) >  <
|____/ \__, |_| |_|\___|____/ \___/_/\_\
       |___/
`
